package acl

import (
	"os"

	"gopkg.in/yaml.v3"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// rulesFile is the on-disk shape of the sibling rules file named in
// spec §6 ("The rule engine's rules are in a sibling file").
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadDocument reads the ACL document from path, yielding the zero value
// (Solitary mode, empty lists) if the file does not yet exist.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{Mode: ModeSolitary}, nil
	}
	if err != nil {
		return Document{}, cerrors.Wrap(cerrors.KindStorage, "failed to read acl document", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, cerrors.Wrap(cerrors.KindStorage, "failed to parse acl document", err)
	}
	return doc, nil
}

// SaveDocument persists the ACL document, 0600 since it names peer DIDs.
func SaveDocument(path string, doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "failed to marshal acl document", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "failed to write acl document", err)
	}
	return nil
}

// LoadRules reads the sibling rules file, returning an empty rule set if
// it does not yet exist.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStorage, "failed to read acl rules", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cerrors.Wrap(cerrors.KindStorage, "failed to parse acl rules", err)
	}
	return f.Rules, nil
}

// SaveRules persists the rule set.
func SaveRules(path string, rules []Rule) error {
	data, err := yaml.Marshal(rulesFile{Rules: rules})
	if err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "failed to marshal acl rules", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "failed to write acl rules", err)
	}
	return nil
}

// Save persists both the document and the rule set for a live ACL.
func (a *ACL) Save(docPath, rulesPath string) error {
	a.mu.RLock()
	doc := a.doc
	rules := append([]Rule(nil), a.rules...)
	a.mu.RUnlock()

	if err := SaveDocument(docPath, doc); err != nil {
		return err
	}
	return SaveRules(rulesPath, rules)
}
