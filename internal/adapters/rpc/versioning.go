package rpc

import "sort"

const (
	rpcAPICurrentVersion      = 2
	rpcAPIMinSupportedVersion = 1
	rpcNotificationVersion    = 1
)

// methodSince records the api version that introduced each method. Version 2
// added offline envelope decoding and the standalone fee quote.
var methodSince = map[string]int{
	"health_check":         1,
	"rpc.version":          1,
	"network.status":       1,
	"network.connect":      1,
	"chain.get_object":     1,
	"chain.call_api":       1,
	"account.get":          1,
	"account.balance":      1,
	"account.login":        1,
	"tx.build_transfer":    1,
	"tx.broadcast":         1,
	"account.transfer_fee": 2,
	"tx.decode":            2,
}

// validateRPCAPIVersion checks the pinned version, if any, against the server
// range and against the method. Unpinned requests get the current version.
func validateRPCAPIVersion(v *int, method string) *rpcError {
	if v == nil {
		return nil
	}
	if *v < rpcAPIMinSupportedVersion {
		return &rpcError{
			Code:    -32081,
			Message: "rpc api version is deprecated and no longer supported",
		}
	}
	if *v > rpcAPICurrentVersion {
		return &rpcError{
			Code:    -32080,
			Message: "rpc api version is not supported by this server",
		}
	}
	if since, ok := methodSince[method]; ok && *v < since {
		return &rpcError{
			Code:    -32082,
			Message: "method " + method + " requires a newer rpc api version",
		}
	}
	return nil
}

func rpcVersionInfo() map[string]any {
	methods := make([]map[string]any, 0, len(methodSince))
	for name, since := range methodSince {
		_, replay := replayWindow(name)
		methods = append(methods, map[string]any{
			"name":       name,
			"since":      since,
			"replayable": replay,
		})
	}
	sort.Slice(methods, func(i, j int) bool {
		return methods[i]["name"].(string) < methods[j]["name"].(string)
	})
	return map[string]any{
		"current_version":       rpcAPICurrentVersion,
		"min_supported_version": rpcAPIMinSupportedVersion,
		"notification_version":  rpcNotificationVersion,
		"methods":               methods,
	}
}
