package rpc

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

func decodeNoParams(raw json.RawMessage) error {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "[]" || s == "{}" {
		return nil
	}
	return errInvalidParams
}

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && strings.TrimSpace(arr[0]) != "" {
		return strings.TrimSpace(arr[0]), nil
	}
	return "", errInvalidParams
}

// decodeStringWithOptional accepts [a] or [a, b].
func decodeStringWithOptional(raw json.RawMessage) (string, string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 || len(arr) > 2 || strings.TrimSpace(arr[0]) == "" {
		return "", "", errInvalidParams
	}
	if len(arr) == 1 {
		return strings.TrimSpace(arr[0]), "", nil
	}
	return strings.TrimSpace(arr[0]), strings.TrimSpace(arr[1]), nil
}

func decodeTwoStringParams(raw json.RawMessage) (string, string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 2 && arr[0] != "" && arr[1] != "" {
		return arr[0], arr[1], nil
	}
	return "", "", errInvalidParams
}

// decodeGetObjectParams accepts [id] or [id, force].
func decodeGetObjectParams(raw json.RawMessage) (string, bool, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 || len(arr) > 2 {
		return "", false, errInvalidParams
	}
	var id string
	if err := json.Unmarshal(arr[0], &id); err != nil || strings.TrimSpace(id) == "" {
		return "", false, errInvalidParams
	}
	force := false
	if len(arr) == 2 {
		if err := json.Unmarshal(arr[1], &force); err != nil {
			return "", false, errInvalidParams
		}
	}
	return strings.TrimSpace(id), force, nil
}

// decodeCallAPIParams accepts [plugin, method] or [plugin, method, [params...]].
func decodeCallAPIParams(raw json.RawMessage) (string, string, []any, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 2 || len(arr) > 3 {
		return "", "", nil, errInvalidParams
	}
	var plugin, method string
	if json.Unmarshal(arr[0], &plugin) != nil || json.Unmarshal(arr[1], &method) != nil || plugin == "" || method == "" {
		return "", "", nil, errInvalidParams
	}
	params := []any{}
	if len(arr) == 3 {
		if err := json.Unmarshal(arr[2], &params); err != nil || params == nil {
			return "", "", nil, errInvalidParams
		}
	}
	return plugin, method, params, nil
}

type transferParams struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	AssetID  string `json:"asset_id"`
	Memo     string `json:"memo"`
	Password string `json:"password"`
}

// decodeTransferParams accepts [{...}] or {...}.
func decodeTransferParams(raw json.RawMessage) (transferParams, error) {
	var p transferParams
	var arr []transferParams
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 {
		p = arr[0]
	} else if err := json.Unmarshal(raw, &p); err != nil {
		return transferParams{}, errInvalidParams
	}
	p.From = strings.TrimSpace(p.From)
	p.To = strings.TrimSpace(p.To)
	p.Amount = strings.TrimSpace(p.Amount)
	if p.From == "" || p.To == "" || p.Amount == "" || p.Password == "" {
		return transferParams{}, errInvalidParams
	}
	return p, nil
}

// decodeEnvelopeParam accepts [base64] or {"envelope": base64}.
func decodeEnvelopeParam(raw json.RawMessage) ([]byte, error) {
	text, err := decodeSingleStringParam(raw)
	if err != nil {
		var wrapper struct {
			Envelope string `json:"envelope"`
		}
		if json.Unmarshal(raw, &wrapper) != nil || wrapper.Envelope == "" {
			return nil, errInvalidParams
		}
		text = wrapper.Envelope
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil || len(data) == 0 {
		return nil, errInvalidParams
	}
	return data, nil
}
