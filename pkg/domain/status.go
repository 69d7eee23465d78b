package domain

// RequestStatus is the lifecycle state of a blood request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestSent      RequestStatus = "sent"
	RequestCancelled RequestStatus = "cancelled"
)

var transitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestApproved, RequestRejected, RequestFulfilled, RequestCancelled},
	RequestSent:     {RequestApproved, RequestRejected, RequestFulfilled, RequestCancelled},
	RequestApproved: {RequestFulfilled, RequestRejected, RequestCancelled},
}

// ParseRequestStatus reports whether raw names a known request status.
func ParseRequestStatus(raw string) (RequestStatus, bool) {
	switch s := RequestStatus(raw); s {
	case RequestPending, RequestApproved, RequestRejected, RequestFulfilled, RequestSent, RequestCancelled:
		return s, true
	default:
		return "", false
	}
}

// CanTransition reports whether a request may move from one status to another.
// Re-applying the current status is allowed; rejected, fulfilled and cancelled are terminal.
func CanTransition(from, to RequestStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the request still expects a response.
func (s RequestStatus) Active() bool {
	return s == RequestPending || s == RequestApproved || s == RequestSent
}
