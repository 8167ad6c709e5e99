package runner

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeops/courier/internal/domain"
)

// ParseDataRows turns an uploaded data file into per-iteration variable
// rows. CSV files use the header row for column names; JSON files must
// be an array of flat objects. The filename picks the format; without a
// usable extension the content is sniffed.
func ParseDataRows(filename string, content []byte) ([]map[string]string, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, domain.Validationf("data file %q is empty", filename)
	}

	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".json"):
		return parseJSONRows(content)
	case strings.HasSuffix(strings.ToLower(filename), ".csv"):
		return parseCSVRows(content)
	}
	if bytes.TrimSpace(content)[0] == '[' {
		return parseJSONRows(content)
	}
	return parseCSVRows(content)
}

func parseCSVRows(content []byte) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, domain.Validationf("malformed CSV data: %v", err)
	}
	if len(records) < 2 {
		return nil, domain.Validationf("CSV data needs a header row and at least one data row")
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseJSONRows(content []byte) ([]map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, domain.Validationf("JSON data must be an array of objects: %v", err)
	}
	if len(raw) == 0 {
		return nil, domain.Validationf("JSON data contains no rows")
	}

	rows := make([]map[string]string, 0, len(raw))
	for _, obj := range raw {
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			row[k] = stringifyValue(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// stringifyValue renders a JSON value the way a script author expects
// to read it back: numbers keep their literal form, composites stay
// compact JSON.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
