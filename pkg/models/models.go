package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChainTimeLayout is the timestamp layout used by the node for object fields
// such as dynamic global properties time and transaction expiration.
const ChainTimeLayout = "2006-01-02T15:04:05"

// ChainObject is an opaque keyed record served by the node. It is treated as
// immutable once observed.
type ChainObject map[string]any

func (o ChainObject) ID() string {
	return o.String("id")
}

func (o ChainObject) String(key string) string {
	if o == nil {
		return ""
	}
	v, ok := o[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (o ChainObject) Int(key string) (int64, bool) {
	if o == nil {
		return 0, false
	}
	switch v := o[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Decode re-encodes the object into a typed value.
func (o ChainObject) Decode(out any) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Int64 accepts both JSON numbers and quoted integers; the node quotes
// values that do not fit a double.
type Int64 int64

func (n *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid integer %s: %w", string(data), err)
		}
		v = int64(f)
	}
	*n = Int64(v)
	return nil
}

// Amount is an integer magnitude in the asset's base unit.
type Amount struct {
	Amount  Int64  `json:"amount"`
	AssetID string `json:"asset_id"`
}

type KeyAuth struct {
	Key    string
	Weight uint32
}

func (k *KeyAuth) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("key_auth must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &k.Key); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &k.Weight)
}

func (k KeyAuth) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{k.Key, k.Weight})
}

type Authority struct {
	WeightThreshold uint32    `json:"weight_threshold"`
	KeyAuths        []KeyAuth `json:"key_auths"`
}

func (a Authority) HasKey(publicKey string) bool {
	for _, ka := range a.KeyAuths {
		if ka.Key == publicKey {
			return true
		}
	}
	return false
}

type AccountOptions struct {
	MemoKey string `json:"memo_key"`
}

type Account struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Owner   Authority      `json:"owner"`
	Active  Authority      `json:"active"`
	Options AccountOptions `json:"options"`
}

type Balance struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	AssetType string `json:"asset_type"`
	Balance   Int64  `json:"balance"`
}

// FullAccount is the account view returned by get_full_accounts.
type FullAccount struct {
	Account  Account   `json:"account"`
	Balances []Balance `json:"balances"`
}

func (f FullAccount) BalanceOf(assetID string) (int64, bool) {
	for _, b := range f.Balances {
		if b.AssetType == assetID {
			return int64(b.Balance), true
		}
	}
	return 0, false
}

type Asset struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Precision int    `json:"precision"`
}

// DynamicGlobalProperties is object 2.1.0.
type DynamicGlobalProperties struct {
	ID               string `json:"id"`
	HeadBlockNumber  uint32 `json:"head_block_number"`
	HeadBlockID      string `json:"head_block_id"`
	Time             string `json:"time"`
	LastIrreversible uint32 `json:"last_irreversible_block_num"`
}

func (p DynamicGlobalProperties) HeadTime() (time.Time, error) {
	return ParseChainTime(p.Time)
}

func ParseChainTime(raw string) (time.Time, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "Z")
	return time.ParseInLocation(ChainTimeLayout, raw, time.UTC)
}

func FormatChainTime(t time.Time) string {
	return t.UTC().Format(ChainTimeLayout)
}

type NetworkStatus struct {
	State            string    `json:"state"`
	Endpoint         string    `json:"endpoint,omitempty"`
	NetworkName      string    `json:"network_name,omitempty"`
	ChainID          string    `json:"chain_id,omitempty"`
	RankedEndpoints  int       `json:"ranked_endpoints"`
	RetryPending     bool      `json:"retry_pending"`
	RetriesScheduled int       `json:"retries_scheduled"`
	Transitions      int       `json:"transitions"`
	LastChange       time.Time `json:"last_change"`
	// EndpointSource is where the last endpoint list came from; the reason
	// is set when the remote list could not be used.
	EndpointSource       string `json:"endpoint_source,omitempty"`
	EndpointSourceReason string `json:"endpoint_source_reason,omitempty"`
}
