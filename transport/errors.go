package transport

import "fmt"

// ChannelOpenError reports that the remote rejected a channel open or
// that the connection could not carry it.
type ChannelOpenError struct {
	Service string
	Name    string
	Reason  string
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("open channel %s/%s: %s", e.Service, e.Name, e.Reason)
}

// RemoteError carries an error the remote explicitly reported on a
// response. It is never retried; callers see the remote's message.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote error %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Op, e.Message)
}
