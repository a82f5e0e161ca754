package testutil

import (
	"reflect"
	"time"
)

// Request records one client request for testing/verification.
// Payload holds every field of the frame except id and type.
type Request struct {
	Timestamp time.Time
	ID        int
	Type      string
	Payload   map[string]interface{}
}

// FilterRequests filters requests by command type
func FilterRequests(requests []Request, msgType string) []Request {
	var filtered []Request
	for _, req := range requests {
		if req.Type == msgType {
			filtered = append(filtered, req)
		}
	}
	return filtered
}

// FindRequestWithPayload finds the most recent request of msgType whose
// payload has key set to value. JSON numbers and lists compare in their
// decoded form ([]interface{}, float64).
func FindRequestWithPayload(requests []Request, msgType, key string, value interface{}) *Request {
	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		if req.Type != msgType {
			continue
		}
		if val, ok := req.Payload[key]; ok && reflect.DeepEqual(val, value) {
			return &req
		}
	}
	return nil
}
