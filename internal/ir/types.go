package ir

import (
	"fmt"
	"slices"
)

// Hash is a content address: lowercase hex SHA-256 with domain separation.
type Hash string

// Short returns an abbreviated form for log lines.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// AgentKey is a hex-encoded ed25519 public key identifying an author.
type AgentKey string

// HeaderType is the closed set of source-chain header kinds.
type HeaderType string

const (
	HeaderDna                HeaderType = "Dna"
	HeaderAgentValidationPkg HeaderType = "AgentValidationPkg"
	HeaderInitZomesComplete  HeaderType = "InitZomesComplete"
	HeaderCreate             HeaderType = "Create"
	HeaderUpdate             HeaderType = "Update"
	HeaderDelete             HeaderType = "Delete"
	HeaderCreateLink         HeaderType = "CreateLink"
	HeaderDeleteLink         HeaderType = "DeleteLink"
)

var headerTypes = []HeaderType{
	HeaderDna, HeaderAgentValidationPkg, HeaderInitZomesComplete,
	HeaderCreate, HeaderUpdate, HeaderDelete, HeaderCreateLink, HeaderDeleteLink,
}

// Valid reports whether t is a known header type.
func (t HeaderType) Valid() bool {
	return slices.Contains(headerTypes, t)
}

// HasEntry reports whether headers of this type reference an entry.
func (t HeaderType) HasEntry() bool {
	return t == HeaderCreate || t == HeaderUpdate
}

// EntryKind distinguishes app entries from system entries.
type EntryKind string

const (
	EntryApp         EntryKind = "App"
	EntryAgentPubKey EntryKind = "AgentPubKey"
	EntryCapGrant    EntryKind = "CapGrant"
)

// Visibility controls whether an entry is published to the DHT.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// EntryType identifies the definition an entry was created against.
// Zome and ID are set only for app entries.
type EntryType struct {
	Kind       EntryKind  `json:"kind"`
	Zome       string     `json:"zome,omitempty"`
	ID         string     `json:"id,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// Public reports whether entries of this type are published.
func (et EntryType) Public() bool {
	return et.Visibility != VisibilityPrivate
}

// Header is one source-chain action. Only the fields relevant to Type
// are set; the rest stay zero and are left out of the canonical form.
type Header struct {
	Type      HeaderType `json:"type"`
	Author    AgentKey   `json:"author"`
	Timestamp int64      `json:"timestamp"` // unix microseconds
	Seq       int64      `json:"header_seq"`

	PrevHeader Hash `json:"prev_header,omitempty"`
	DnaHash    Hash `json:"dna_hash,omitempty"`

	EntryType *EntryType `json:"entry_type,omitempty"`
	EntryHash Hash       `json:"entry_hash,omitempty"`

	OriginalHeader Hash `json:"original_header,omitempty"`
	OriginalEntry  Hash `json:"original_entry,omitempty"`

	DeletesHeader Hash `json:"deletes_header,omitempty"`
	DeletesEntry  Hash `json:"deletes_entry,omitempty"`

	BaseAddress   Hash   `json:"base_address,omitempty"`
	TargetAddress Hash   `json:"target_address,omitempty"`
	Zome          string `json:"zome,omitempty"`
	Tag           string `json:"tag,omitempty"`
	LinkAddHeader Hash   `json:"link_add_header,omitempty"`
}

// Entry is the payload a Create or Update header commits to.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	Content Object    `json:"content"`
}

// SignedHeader is a header with the author's hex-encoded signature over
// its canonical bytes.
type SignedHeader struct {
	Header    Header `json:"header"`
	Signature string `json:"signature"`
}

// Element is a signed header, its hash, and the entry if one is carried.
type Element struct {
	Signed     SignedHeader `json:"signed"`
	HeaderHash Hash         `json:"header_hash"`
	Entry      *Entry       `json:"entry,omitempty"`
}

// Header is shorthand for el.Signed.Header.
func (el Element) Header() Header {
	return el.Signed.Header
}

// OpType is the closed set of DHT operation kinds an element produces.
type OpType string

const (
	OpStoreElement           OpType = "StoreElement"
	OpStoreEntry             OpType = "StoreEntry"
	OpRegisterAgentActivity  OpType = "RegisterAgentActivity"
	OpRegisterUpdatedContent OpType = "RegisterUpdatedContent"
	OpRegisterDeletedBy      OpType = "RegisterDeletedBy"
	OpRegisterAddLink        OpType = "RegisterAddLink"
	OpRegisterRemoveLink     OpType = "RegisterRemoveLink"
)

// Op is the immutable operation record that flows through validation.
// Its identity is OpHash(op); it is never mutated after creation.
type Op struct {
	Type   OpType       `json:"type"`
	Signed SignedHeader `json:"signed"`
	Entry  *Entry       `json:"entry,omitempty"`
}

// Scope is a named partition of the store.
type Scope string

const (
	ScopeAuthored   Scope = "authored"
	ScopeIntegrated Scope = "integrated"
	ScopePending    Scope = "pending"
	ScopeRejected   Scope = "rejected"
	ScopeCache      Scope = "cache"
)

// Scopes lists every scope in declaration order.
var Scopes = []Scope{ScopeAuthored, ScopeIntegrated, ScopePending, ScopeRejected, ScopeCache}

// Exclusive reports whether op membership in s excludes every other
// exclusive scope. Cache is a non-owning mirror.
func (s Scope) Exclusive() bool {
	return s != ScopeCache && slices.Contains(Scopes, s)
}

// ParseScope parses a scope name.
func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if !slices.Contains(Scopes, sc) {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	return sc, nil
}

// ValidationStatus is the definitive verdict on an op.
// The zero value, StatusPending, means no definitive verdict yet.
type ValidationStatus string

const (
	StatusPending   ValidationStatus = ""
	StatusValid     ValidationStatus = "valid"
	StatusRejected  ValidationStatus = "rejected"
	StatusAbandoned ValidationStatus = "abandoned"
)

// Terminal reports whether the status can never change again.
// Valid is terminal only once integrated; see validation.Apply.
func (s ValidationStatus) Terminal() bool {
	return s == StatusRejected || s == StatusAbandoned
}

func (s ValidationStatus) String() string {
	if s == StatusPending {
		return "pending"
	}
	return string(s)
}

// ResultKind tags a ValidateResult.
type ResultKind int

const (
	ResultValid ResultKind = iota + 1
	ResultInvalid
	ResultUnresolved
)

func (k ResultKind) String() string {
	switch k {
	case ResultValid:
		return "valid"
	case ResultInvalid:
		return "invalid"
	case ResultUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// ValidateResult is a callback verdict: Valid, Invalid(reason) or
// UnresolvedDependencies(missing).
type ValidateResult struct {
	Kind    ResultKind `json:"kind"`
	Reason  string     `json:"reason,omitempty"`
	Missing []Hash     `json:"missing,omitempty"`
}

// Valid returns a passing verdict.
func Valid() ValidateResult {
	return ValidateResult{Kind: ResultValid}
}

// Invalid returns a definitive failure with a human-readable reason.
func Invalid(reason string) ValidateResult {
	return ValidateResult{Kind: ResultInvalid, Reason: reason}
}

// Unresolved returns a verdict that cannot be reached until the given
// hashes are available locally.
func Unresolved(missing ...Hash) ValidateResult {
	return ValidateResult{Kind: ResultUnresolved, Missing: missing}
}

func (r ValidateResult) String() string {
	switch r.Kind {
	case ResultInvalid:
		return fmt.Sprintf("invalid(%s)", r.Reason)
	case ResultUnresolved:
		return fmt.Sprintf("unresolved(%d)", len(r.Missing))
	default:
		return r.Kind.String()
	}
}

// RequiredValidationType is how much of the author's chain a validator
// needs alongside the element.
type RequiredValidationType string

const (
	ValidateElement  RequiredValidationType = "element"
	ValidateSubChain RequiredValidationType = "sub_chain"
	ValidateFull     RequiredValidationType = "full"
	ValidateCustom   RequiredValidationType = "custom"
)

// ValidationPackage is the ordered chain context handed to a validator.
type ValidationPackage struct {
	Elements []Element `json:"elements"`
}

// Link is link metadata on a base.
type Link struct {
	Base         Hash     `json:"base"`
	Target       Hash     `json:"target"`
	Zome         string   `json:"zome"`
	Tag          string   `json:"tag"`
	CreateHeader Hash     `json:"create_header"`
	Author       AgentKey `json:"author"`
	Timestamp    int64    `json:"timestamp"`
}

// ActivityItem is one entry of an author's chain activity.
type ActivityItem struct {
	Author     AgentKey `json:"author"`
	Seq        int64    `json:"header_seq"`
	HeaderHash Hash     `json:"header_hash"`
}

// DnaDef is the compiled application definition: zomes in declaration
// order, each with its entry definitions.
type DnaDef struct {
	Name  string    `json:"name"`
	Zomes []ZomeDef `json:"zomes"`
}

// ZomeDef is one zome of a DNA.
type ZomeDef struct {
	Name      string     `json:"name"`
	EntryDefs []EntryDef `json:"entry_defs"`
	LinkTags  []string   `json:"link_tags,omitempty"`
}

// EntryDef describes one app entry type.
type EntryDef struct {
	ID                     string                 `json:"id"`
	Visibility             Visibility             `json:"visibility"`
	RequiredValidationType RequiredValidationType `json:"required_validation_type"`
	RequiredValidations    int                    `json:"required_validations"`
}

// Zome looks up a zome by name.
func (d DnaDef) Zome(name string) (ZomeDef, bool) {
	for _, z := range d.Zomes {
		if z.Name == name {
			return z, true
		}
	}
	return ZomeDef{}, false
}

// EntryDef looks up an entry definition by id.
func (z ZomeDef) EntryDef(id string) (EntryDef, bool) {
	for _, ed := range z.EntryDefs {
		if ed.ID == id {
			return ed, true
		}
	}
	return EntryDef{}, false
}
