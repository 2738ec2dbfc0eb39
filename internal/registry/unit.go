package registry

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nidhogg/nuka-runtime/internal/skill"
	"gopkg.in/yaml.v3"
)

// unitExtensions are the file extensions discovered as source units.
var unitExtensions = []string{".yaml", ".yml", ".json"}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// unitFile is the on-disk layout of a source unit. JSON units decode through
// the same YAML decoder.
type unitFile struct {
	Imports []importDecl   `yaml:"imports"`
	Values  map[string]any `yaml:"values"`
	Skills  []skillDecl    `yaml:"skills"`
}

type importDecl struct {
	From  string   `yaml:"from"`
	Names []string `yaml:"names"`
}

type skillDecl struct {
	Type        string         `yaml:"type"`
	Factory     string         `yaml:"factory"`
	Description string         `yaml:"description"`
	Inputs      []portDecl     `yaml:"inputs"`
	Outputs     []portDecl     `yaml:"outputs"`
	Config      map[string]any `yaml:"config"`
}

// portDecl accepts either a bare name or a {name, spec} mapping.
type portDecl skill.Port

func (p *portDecl) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Name = node.Value
		return nil
	}
	var port skill.Port
	if err := node.Decode(&port); err != nil {
		return err
	}
	*p = portDecl(port)
	return nil
}

func isUnitFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range unitExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// parseUnit decodes and validates a unit's content.
func parseUnit(data []byte) (*unitFile, error) {
	var unit unitFile
	if len(bytes.TrimSpace(data)) == 0 {
		return &unit, nil
	}
	if err := yaml.Unmarshal(data, &unit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	if err := unit.validate(); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (u *unitFile) validate() error {
	for name := range u.Values {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: value name %q is not an identifier", ErrInvalidUnit, name)
		}
	}
	for _, imp := range u.Imports {
		if strings.TrimSpace(imp.From) == "" {
			return fmt.Errorf("%w: import without from", ErrInvalidUnit)
		}
	}

	types := make(map[string]struct{}, len(u.Skills))
	for _, decl := range u.Skills {
		if !identifier.MatchString(decl.Type) {
			return fmt.Errorf("%w: skill type %q is not an identifier", ErrInvalidUnit, decl.Type)
		}
		if _, dup := types[decl.Type]; dup {
			return fmt.Errorf("%w: skill type %q declared twice", ErrInvalidUnit, decl.Type)
		}
		types[decl.Type] = struct{}{}
		if decl.Factory == "" {
			return fmt.Errorf("%w: skill %s has no factory", ErrInvalidUnit, decl.Type)
		}
		if err := validatePorts(decl.Type, "input", decl.Inputs); err != nil {
			return err
		}
		if err := validatePorts(decl.Type, "output", decl.Outputs); err != nil {
			return err
		}
	}
	return nil
}

func validatePorts(typeName, kind string, ports []portDecl) error {
	seen := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return fmt.Errorf("%w: skill %s has an unnamed %s", ErrInvalidUnit, typeName, kind)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: skill %s declares %s %q twice", ErrInvalidUnit, typeName, kind, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

func toPorts(decls []portDecl) []skill.Port {
	ports := make([]skill.Port, len(decls))
	for i, d := range decls {
		ports[i] = skill.Port(d)
	}
	return ports
}

// importTarget normalizes an import reference to a slash-separated path
// relative to the load root, without extension. "./helper", ".helper" and
// "helper" all name helper.yaml next to the root. References that climb
// above the root, such as "../helper", are rejected.
func importTarget(from string) (string, error) {
	ref := strings.TrimSpace(filepath.ToSlash(from))
	ref = strings.TrimPrefix(ref, "./")
	if !strings.HasPrefix(ref, "..") {
		ref = strings.TrimPrefix(ref, ".")
	}
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", fmt.Errorf("%w: empty import %q", ErrInvalidUnit, from)
	}
	ref = path.Clean(ref)
	if ref == "." || ref == ".." || strings.HasPrefix(ref, "../") {
		return "", fmt.Errorf("%w: import %q leaves the load root", ErrInvalidUnit, from)
	}
	return ref, nil
}

// unitID returns the slash-separated identifier of file relative to root.
func unitID(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", file, root)
	}
	return filepath.ToSlash(rel), nil
}

// hiddenPath reports whether any directory component of id is hidden.
func hiddenPath(id string) bool {
	parts := strings.Split(id, "/")
	for _, part := range parts[:len(parts)-1] {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
