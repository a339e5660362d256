package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"mercator-hq/secretsrouter/pkg/policy"
)

// Document kinds accepted in policy files.
const (
	KindPolicy = "Policy"
	KindGroup  = "SecretAccessGroup"
)

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded policy schema: %v", err))
	}
	return s
}()

type bundle struct {
	Policies []*policy.Policy            `yaml:"policies"`
	Groups   []*policy.SecretAccessGroup `yaml:"groups"`
}

// Decode parses every YAML document in data. name is used in error messages.
//
// A document is either a single object with kind Policy or
// SecretAccessGroup, or a bundle with top-level policies and groups lists.
func Decode(name string, data []byte) ([]*policy.Policy, []*policy.SecretAccessGroup, error) {
	var policies []*policy.Policy
	var groups []*policy.SecretAccessGroup

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for index := 0; ; index++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, &LoadError{Path: name, Cause: err}
		}
		if node.Kind == 0 || (len(node.Content) == 1 && node.Content[0].Kind == yaml.ScalarNode && node.Content[0].Value == "") {
			continue
		}

		var generic map[string]interface{}
		if err := node.Decode(&generic); err != nil {
			return nil, nil, &LoadError{Path: name, Cause: fmt.Errorf("document %d: %w", index, err)}
		}
		if generic == nil {
			continue
		}
		if err := validateSchema(generic); err != nil {
			return nil, nil, &LoadError{Path: name, Cause: fmt.Errorf("document %d: %w", index, err)}
		}

		switch generic["kind"] {
		case KindPolicy:
			var p policy.Policy
			if err := node.Decode(&p); err != nil {
				return nil, nil, &LoadError{Path: name, Cause: fmt.Errorf("document %d: %w", index, err)}
			}
			policies = append(policies, &p)
		case KindGroup:
			var g policy.SecretAccessGroup
			if err := node.Decode(&g); err != nil {
				return nil, nil, &LoadError{Path: name, Cause: fmt.Errorf("document %d: %w", index, err)}
			}
			groups = append(groups, &g)
		default:
			var b bundle
			if err := node.Decode(&b); err != nil {
				return nil, nil, &LoadError{Path: name, Cause: fmt.Errorf("document %d: %w", index, err)}
			}
			policies = append(policies, b.Policies...)
			groups = append(groups, b.Groups...)
		}
	}
	return policies, groups, nil
}

func validateSchema(doc map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}

// policyFile reports whether path looks like a policy document.
func policyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// LoadPath reads a file or every policy file below a directory and builds a
// snapshot. The version is a content hash, so identical inputs produce the
// same version.
func LoadPath(path, sourceName string) (*policy.Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Cause: err}
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if policyFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, &LoadError{Path: path, Cause: err}
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}

	hash := sha256.New()
	var policies []*policy.Policy
	var groups []*policy.SecretAccessGroup
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, &LoadError{Path: f, Cause: err}
		}
		rel, _ := filepath.Rel(path, f)
		hash.Write([]byte(rel))
		hash.Write(data)

		ps, gs, err := Decode(f, data)
		if err != nil {
			return nil, err
		}
		policies = append(policies, ps...)
		groups = append(groups, gs...)
	}

	version := hex.EncodeToString(hash.Sum(nil))[:12]
	return policy.NewSnapshot(version, sourceName, policies, groups), nil
}
