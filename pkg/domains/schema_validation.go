package domains

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
)

const (
	schemaValidationJSONLimit  = 10
	schemaValidationJSONLLimit = 5
)

// Rule is an optional JSONPath assertion evaluated against every
// successfully parsed document, beyond the original's plain well-formed
// check. An empty Rules slice reproduces the original's behavior exactly.
type Rule struct {
	Name string `yaml:"name"`
	// Path is a JSONPath expression selecting a value from the document.
	Path string `yaml:"path"`
	// Assert is a gval boolean expression over the selected value, bound
	// to the name "value" (e.g. `value == "ok"`).
	Assert string `yaml:"assert"`
}

type validationError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

type schemaValidationDomain struct {
	logsDir string
	rules   []Rule
}

func newSchemaValidationDomain(root string) *schemaValidationDomain {
	return &schemaValidationDomain{logsDir: filepath.Join(root, "logs")}
}

// WithRules attaches JSONPath assertions to validate alongside plain
// parseability. Intended to be set once at registry construction time by
// callers who want stricter schema_validation behavior.
func (d *schemaValidationDomain) WithRules(rules []Rule) *schemaValidationDomain {
	d.rules = rules
	return d
}

func (d *schemaValidationDomain) CanExecute(calyxtypes.SystemState, time.Time) bool { return true }

func (d *schemaValidationDomain) Execute(calyxtypes.Intent) map[string]interface{} {
	var errs []validationError
	validated := 0

	jsonFiles, _ := filepath.Glob(filepath.Join(d.logsDir, "*.json"))
	sort.Strings(jsonFiles)
	if len(jsonFiles) > schemaValidationJSONLimit {
		jsonFiles = jsonFiles[len(jsonFiles)-schemaValidationJSONLimit:]
	}
	for _, path := range jsonFiles {
		doc, err := d.parseAndCheck(path)
		if err != nil {
			errs = append(errs, validationError{File: filepath.Base(path), Error: err.Error()})
			continue
		}
		_ = doc
		validated++
	}

	jsonlFiles, _ := filepath.Glob(filepath.Join(d.logsDir, "*.jsonl"))
	sort.Strings(jsonlFiles)
	if len(jsonlFiles) > schemaValidationJSONLLimit {
		jsonlFiles = jsonlFiles[len(jsonlFiles)-schemaValidationJSONLLimit:]
	}
	for _, path := range jsonlFiles {
		if err := d.validateJSONL(path); err != nil {
			errs = append(errs, validationError{File: filepath.Base(path), Error: err.Error()})
			continue
		}
		validated++
	}

	status := "done"
	if len(errs) > 0 {
		status = "error"
	}

	errList := make([]interface{}, len(errs))
	for i, e := range errs {
		errList[i] = map[string]interface{}{"file": e.File, "error": e.Error}
	}

	return map[string]interface{}{
		"status":    status,
		"validated": validated,
		"errors":    errList,
	}
}

func (d *schemaValidationDomain) parseAndCheck(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := d.checkRules(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *schemaValidationDomain) validateJSONL(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var doc interface{}
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return err
		}
		if err := d.checkRules(doc); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// checkRules evaluates each configured JSONPath+gval assertion against
// doc. A rule whose path matches nothing is skipped, not failed, since
// the original schema has no notion of required fields.
func (d *schemaValidationDomain) checkRules(doc interface{}) error {
	for _, rule := range d.rules {
		value, err := jsonpath.Get(rule.Path, doc)
		if err != nil {
			continue
		}

		result, err := gval.Evaluate(rule.Assert, map[string]interface{}{"value": value})
		if err != nil {
			return err
		}
		if ok, _ := result.(bool); !ok {
			return ruleFailure{rule: rule.Name}
		}
	}
	return nil
}

type ruleFailure struct{ rule string }

func (e ruleFailure) Error() string { return "rule failed: " + e.rule }

func (d *schemaValidationDomain) VerifySuccess(result map[string]interface{}) bool {
	status, _ := result["status"].(string)
	errs, _ := result["errors"].([]interface{})
	return status == "done" && len(errs) == 0
}

func (d *schemaValidationDomain) Rollback(map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"status":  "rollback",
		"message": "repair intent should be opened for schema errors",
	}
}
