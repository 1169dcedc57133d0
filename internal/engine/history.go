package engine

import (
	"encoding/json"
	"sort"

	"genstudio/internal/models"
)

// History is one entry of the engine's execution history.
type History struct {
	Status  *HistoryStatus                        `json:"status"`
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
}

// HistoryStatus mirrors the engine's status block. Messages are [type, data]
// pairs.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// DefaultErrorMessage is used when an errored job carries no readable detail.
const DefaultErrorMessage = "engine reported an error for this job"

// primaryOutputKeys are scanned before any other file list of a node.
var primaryOutputKeys = []string{"images", "gifs", "videos"}

type outputItem struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// InterpretResult reduces a history entry to a JobResult. A job is completed
// when the engine flags it, reports success, or has produced any output file;
// an errored job is never completed. A nil entry means the engine has not
// recorded the job yet.
func InterpretResult(h *History) models.JobResult {
	if h == nil {
		return models.JobResult{Outputs: []models.OutputFile{}}
	}

	statusStr, flagged := "unknown", false
	if h.Status != nil {
		if h.Status.StatusStr != "" {
			statusStr = h.Status.StatusStr
		}
		flagged = h.Status.Completed
	}

	if statusStr == "error" {
		msg := DefaultErrorMessage
		if h.Status != nil {
			if execErr := executionErrorFrom(h.Status.Messages); execErr != nil && execErr.Message != "" {
				msg = execErr.Message + nodeSuffix(execErr)
			}
		}
		return models.JobResult{Outputs: []models.OutputFile{}, Status: statusStr, Error: msg}
	}

	outputs := ExtractOutputs(h.Outputs)
	return models.JobResult{
		Completed: flagged || statusStr == "success" || len(outputs) > 0,
		Outputs:   outputs,
		Status:    statusStr,
	}
}

func nodeSuffix(e *ExecutionError) string {
	switch {
	case e.NodeType != "":
		return ` in "` + e.NodeType + `" (node ` + e.NodeID + `)`
	case e.NodeID != "":
		return " in node " + e.NodeID
	}
	return ""
}

// ExtractOutputs collects the files of every output node, deduplicated by
// filename. The images, gifs and videos lists of a node come first, then any
// other list of file objects. The media type always follows the extension.
func ExtractOutputs(outputs map[string]map[string]json.RawMessage) []models.OutputFile {
	files := []models.OutputFile{}
	seen := make(map[string]struct{})

	add := func(raw json.RawMessage) {
		var items []outputItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return
		}
		for _, it := range items {
			if it.Filename == "" {
				continue
			}
			if _, dup := seen[it.Filename]; dup {
				continue
			}
			seen[it.Filename] = struct{}{}
			fileType := models.FileType(it.Type)
			if fileType == "" {
				fileType = models.FileTypeOutput
			}
			files = append(files, models.OutputFile{
				Filename:  it.Filename,
				Subfolder: it.Subfolder,
				Type:      fileType,
				MediaType: models.MediaTypeFor(it.Filename),
			})
		}
	}

	for _, nodeID := range sortedKeys(outputs) {
		node := outputs[nodeID]
		for _, key := range primaryOutputKeys {
			if raw, ok := node[key]; ok {
				add(raw)
			}
		}
		for _, key := range sortedKeys(node) {
			if isPrimaryKey(key) || key == "animated" {
				continue
			}
			add(node[key])
		}
	}
	return files
}

func isPrimaryKey(key string) bool {
	for _, k := range primaryOutputKeys {
		if k == key {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// executionErrorFrom finds the first execution_error entry in the status messages.
func executionErrorFrom(messages []json.RawMessage) *ExecutionError {
	for _, raw := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var data ErrorData
		if err := json.Unmarshal(pair[1], &data); err != nil {
			return nil
		}
		return data.AsError()
	}
	return nil
}

// ErrorData is the payload of an execution_error event or history message.
type ErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           any    `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

// AsError converts the payload into an ExecutionError.
func (d ErrorData) AsError() *ExecutionError {
	return &ExecutionError{NodeType: d.NodeType, NodeID: stringify(d.NodeID), Message: d.ExceptionMessage}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	}
	b, _ := json.Marshal(v)
	return string(b)
}
