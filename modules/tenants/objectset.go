package tenants

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

//go:embed objectset.yaml
var objectSetYAML []byte

// Object is one relation that must exist inside a tenant schema.
type Object struct {
	Name string `yaml:"name"`
	DDL  string `yaml:"ddl"`
}

// objectSetVersion groups the objects introduced by one schema version.
type objectSetVersion struct {
	Version int      `yaml:"version"`
	Objects []Object `yaml:"objects"`
}

// ObjectSet is the versioned definition of every tenant schema. The same
// set is replayed at provisioning and stepped through by Migrate, so all
// tenants converge on identical namespaces.
type ObjectSet struct {
	versions []objectSetVersion
}

// DefaultObjectSet is parsed from the embedded definition at startup.
// A malformed definition prevents the process from starting at all.
var DefaultObjectSet = mustLoadObjectSet(objectSetYAML)

func mustLoadObjectSet(raw []byte) *ObjectSet {
	set, err := loadObjectSet(raw)
	if err != nil {
		panic(fmt.Sprintf("tenants: invalid object set definition: %v", err))
	}
	return set
}

func loadObjectSet(raw []byte) (*ObjectSet, error) {
	var doc struct {
		Versions []objectSetVersion `yaml:"versions"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if len(doc.Versions) == 0 {
		return nil, fmt.Errorf("no versions defined")
	}

	for i, v := range doc.Versions {
		if v.Version != i+1 {
			return nil, fmt.Errorf("versions must be contiguous from 1, got %d at position %d", v.Version, i)
		}
		if len(v.Objects) == 0 {
			return nil, fmt.Errorf("version %d defines no objects", v.Version)
		}
		for _, o := range v.Objects {
			if o.Name == "" || o.DDL == "" {
				return nil, fmt.Errorf("version %d has an object with empty name or ddl", v.Version)
			}
			if !strings.Contains(o.DDL, "{schema}") {
				return nil, fmt.Errorf("object %s ddl does not reference {schema}", o.Name)
			}
		}
	}

	return &ObjectSet{versions: doc.Versions}, nil
}

// CurrentVersion returns the newest schema version.
func (s *ObjectSet) CurrentVersion() int {
	return s.versions[len(s.versions)-1].Version
}

// Objects returns the objects introduced by one version, in definition
// order. Unknown versions return nil.
func (s *ObjectSet) Objects(version int) []Object {
	if version < 1 || version > len(s.versions) {
		return nil
	}
	return s.versions[version-1].Objects
}

// TableNames returns every table present at the given version, in
// creation order. Used for stats collection.
func (s *ObjectSet) TableNames(version int) []string {
	var names []string
	for _, v := range s.versions {
		if v.Version > version {
			break
		}
		for _, o := range v.Objects {
			names = append(names, o.Name)
		}
	}
	return names
}

// renderDDL fills the {schema} placeholder with a sanitized identifier.
// DDL cannot take bind parameters, so the schema name goes through pgx
// identifier quoting instead.
func renderDDL(ddl, schemaName string) string {
	return strings.ReplaceAll(ddl, "{schema}", pgx.Identifier{schemaName}.Sanitize())
}
