// Package instance reads and writes instance lists: tab-separated records
// placing a model with a shader at a position in a scene.
package instance

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Shaders are the shader names an instance may use.
var Shaders = []string{"Scenery", "BoneAnim"}

// Instance is one record of an instance list.
type Instance struct {
	Model  string
	Shader string
	X      float64
	Y      float64
	Z      float64
}

// Parse reads records from r. Lines with fewer than five tab-separated
// fields, or with non-numeric coordinates, are skipped; fields past the
// fifth are ignored.
func Parse(r io.Reader) ([]Instance, error) {
	var list []Instance
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Split(strings.TrimRight(sc.Text(), " \t\r"), "\t")
		if len(fields) < 5 {
			continue
		}
		inst, ok := fromFields(fields)
		if !ok {
			continue
		}
		list = append(list, inst)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read instance list: %w", err)
	}
	return list, nil
}

func fromFields(fields []string) (Instance, bool) {
	var coords [3]float64
	for i := range coords {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[2+i]), 64)
		if err != nil {
			return Instance{}, false
		}
		coords[i] = v
	}
	return Instance{
		Model:  fields[0],
		Shader: fields[1],
		X:      coords[0],
		Y:      coords[1],
		Z:      coords[2],
	}, true
}

// Load parses the instance list stored at path.
func Load(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Format writes list in the stored record format.
func Format(w io.Writer, list []Instance) error {
	bw := bufio.NewWriter(w)
	for _, inst := range list {
		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\n",
			inst.Model, inst.Shader,
			formatCoord(inst.X), formatCoord(inst.Y), formatCoord(inst.Z))
	}
	return bw.Flush()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Save replaces the file at path with list. The records are written to a
// hidden temporary file in the same directory which is then renamed over
// path, so readers see either the old or the new list. An existing file
// keeps its permission bits; a new one gets 0644.
func Save(path string, list []Instance) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bid.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("set mode: %w", err)
	}

	if err := Format(tmp, list); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write instance list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace instance list: %w", err)
	}
	return nil
}

// SortForScript orders list by shader, then model. Records equal on both
// keep their relative order.
func SortForScript(list []Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Shader != list[j].Shader {
			return list[i].Shader < list[j].Shader
		}
		return list[i].Model < list[j].Model
	})
}

// WriteScript emits list as scene script statements, one per line, in the
// order given.
func WriteScript(w io.Writer, list []Instance) error {
	bw := bufio.NewWriter(w)
	for _, inst := range list {
		fmt.Fprintf(bw,
			"(instance model:(model URI:\"%s\" shader:(shader name:\"%s\")) transform:(mat4x4 x:%.6f y:%.6f z:%.6f))\n",
			inst.Model, inst.Shader, inst.X, inst.Y, inst.Z)
	}
	return bw.Flush()
}

// Remove returns list without the record at index i.
func Remove(list []Instance, i int) ([]Instance, error) {
	if i < 0 || i >= len(list) {
		return nil, fmt.Errorf("no instance %d", i)
	}
	out := make([]Instance, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...), nil
}

// Models returns the paths, relative to dir, of every .fbx file below dir.
// Hidden entries are skipped. The result is sorted case-insensitively.
func Models(dir string) ([]string, error) {
	var models []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".fbx") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		models = append(models, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan models: %w", err)
	}
	sort.Slice(models, func(i, j int) bool {
		li, lj := strings.ToLower(models[i]), strings.ToLower(models[j])
		if li != lj {
			return li < lj
		}
		return models[i] < models[j]
	})
	return models, nil
}
