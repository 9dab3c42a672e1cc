package dna

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// Load compiles the DNA at path, which may be a single .cue file or a
// directory holding one CUE package.
func Load(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load dna: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load dna: %w", err)
		}
		return CompileSource(filepath.Base(path), src)
	}

	files, err := FindCUEFiles(path)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("load dna: no CUE files found in %s", path)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load dna: no CUE instances loaded from %s", path)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("load dna: %w", err)
	}
	value := cuecontext.New().BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(value.LookupPath(cue.ParsePath("dna")))
}

// CompileSource compiles DNA source text. name is used in error positions.
func CompileSource(name string, src []byte) (*Definition, error) {
	value := cuecontext.New().CompileBytes(src, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(value.LookupPath(cue.ParsePath("dna")))
}

// FindCUEFiles walks dir and returns every .cue file path.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
