package util

import (
	"encoding/json"
	"io"
)

// JSONOutput provides structured output for CLI operations
type JSONOutput struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PrintJSON outputs data as formatted JSON
func PrintJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// PrintJSONError outputs an error in JSON format
func PrintJSONError(w io.Writer, err error) error {
	return PrintJSON(w, JSONOutput{Success: false, Error: err.Error()})
}

// PrintJSONSuccess outputs success data in JSON format
func PrintJSONSuccess(w io.Writer, data interface{}) error {
	return PrintJSON(w, JSONOutput{Success: true, Data: data})
}
