// Package agenterrors implements the agent's error taxonomy: every kind
// named in the design is a distinct struct carrying a call-site and a
// wrapped source, all satisfying Classifier so callers branch on behavior
// instead of concrete type.
package agenterrors

import (
	"fmt"
	"net/http"
	"runtime"
)

// Site captures a file:line call site for error provenance.
type Site string

func callerSite(skip int) Site {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return Site(fmt.Sprintf("%s:%d", file, line))
}

// Trace records the current call site. Call at the point an error is
// constructed, e.g. `Trace()` inside a `New...Err` helper.
func Trace() Site {
	return callerSite(1)
}

// Classifier is implemented by every error kind in this package.
type Classifier interface {
	error
	Code() string
	HTTPStatus() int
	IsNetworkConnectionError() bool
	Params() map[string]string
}

// ---- Network-connection ----

type NetworkErr struct {
	Source error
	Site   Site
}

func (e *NetworkErr) Error() string { return fmt.Sprintf("network error at %s: %v", e.Site, e.Source) }
func (e *NetworkErr) Unwrap() error { return e.Source }
func (e *NetworkErr) Code() string  { return "network_connection_error" }
func (e *NetworkErr) HTTPStatus() int                { return http.StatusGatewayTimeout }
func (e *NetworkErr) IsNetworkConnectionError() bool  { return true }
func (e *NetworkErr) Params() map[string]string       { return nil }

// ---- HTTP-logical ----

type HTTPErr struct {
	Status  int
	Body    string
	Site    Site
}

func (e *HTTPErr) Error() string {
	return fmt.Sprintf("http error at %s: status=%d body=%s", e.Site, e.Status, e.Body)
}
func (e *HTTPErr) Code() string               { return "http_logical_error" }
func (e *HTTPErr) HTTPStatus() int            { return e.Status }
func (e *HTTPErr) IsNetworkConnectionError() bool { return false }
func (e *HTTPErr) Params() map[string]string  { return map[string]string{"body": e.Body} }

// ---- Serialization ----

type SerdeErr struct {
	Source error
	Site   Site
}

func (e *SerdeErr) Error() string { return fmt.Sprintf("serialization error at %s: %v", e.Site, e.Source) }
func (e *SerdeErr) Unwrap() error { return e.Source }
func (e *SerdeErr) Code() string  { return "serialization_error" }
func (e *SerdeErr) HTTPStatus() int               { return http.StatusInternalServerError }
func (e *SerdeErr) IsNetworkConnectionError() bool { return false }
func (e *SerdeErr) Params() map[string]string      { return nil }

// ---- Filesystem ----

type FileSysErr struct {
	Path   string
	Source error
	Site   Site
}

func (e *FileSysErr) Error() string {
	return fmt.Sprintf("filesystem error at %s (path=%s): %v", e.Site, e.Path, e.Source)
}
func (e *FileSysErr) Unwrap() error { return e.Source }
func (e *FileSysErr) Code() string  { return "filesystem_error" }
func (e *FileSysErr) HTTPStatus() int               { return http.StatusInternalServerError }
func (e *FileSysErr) IsNetworkConnectionError() bool { return false }
func (e *FileSysErr) Params() map[string]string      { return map[string]string{"path": e.Path} }

// ---- Cryptographic ----

type CryptErr struct {
	Source error
	Site   Site
}

func (e *CryptErr) Error() string { return fmt.Sprintf("crypto error at %s: %v", e.Site, e.Source) }
func (e *CryptErr) Unwrap() error { return e.Source }
func (e *CryptErr) Code() string  { return "crypto_error" }
func (e *CryptErr) HTTPStatus() int               { return http.StatusInternalServerError }
func (e *CryptErr) IsNetworkConnectionError() bool { return false }
func (e *CryptErr) Params() map[string]string      { return nil }

// ---- Cache-logical ----

type NotFoundErr struct {
	Key  string
	Site Site
}

func (e *NotFoundErr) Error() string { return fmt.Sprintf("not found at %s: key=%s", e.Site, e.Key) }
func (e *NotFoundErr) Code() string  { return "not_found" }
func (e *NotFoundErr) HTTPStatus() int               { return http.StatusNotFound }
func (e *NotFoundErr) IsNetworkConnectionError() bool { return false }
func (e *NotFoundErr) Params() map[string]string      { return map[string]string{"key": e.Key} }

type CannotOverwriteErr struct {
	Key  string
	Site Site
}

func (e *CannotOverwriteErr) Error() string {
	return fmt.Sprintf("cannot overwrite at %s: key=%s", e.Site, e.Key)
}
func (e *CannotOverwriteErr) Code() string               { return "cannot_overwrite" }
func (e *CannotOverwriteErr) HTTPStatus() int             { return http.StatusConflict }
func (e *CannotOverwriteErr) IsNetworkConnectionError() bool { return false }
func (e *CannotOverwriteErr) Params() map[string]string   { return map[string]string{"key": e.Key} }

type TooManyMatchesErr struct {
	FilterName string
	Expected   int
	Actual     int
	Site       Site
}

func (e *TooManyMatchesErr) Error() string {
	return fmt.Sprintf("too many matches at %s: filter=%s expected=%d actual=%d", e.Site, e.FilterName, e.Expected, e.Actual)
}
func (e *TooManyMatchesErr) Code() string               { return "too_many_matches" }
func (e *TooManyMatchesErr) HTTPStatus() int             { return http.StatusInternalServerError }
func (e *TooManyMatchesErr) IsNetworkConnectionError() bool { return false }
func (e *TooManyMatchesErr) Params() map[string]string {
	return map[string]string{
		"filter_name": e.FilterName,
		"expected":    fmt.Sprint(e.Expected),
		"actual":      fmt.Sprint(e.Actual),
	}
}

// ---- Sync-logical ----

type InCooldownErr struct {
	Site Site
}

func (e *InCooldownErr) Error() string { return fmt.Sprintf("sync in cooldown at %s", e.Site) }
func (e *InCooldownErr) Code() string  { return "in_cooldown" }
func (e *InCooldownErr) HTTPStatus() int               { return http.StatusTooManyRequests }
func (e *InCooldownErr) IsNetworkConnectionError() bool { return false }
func (e *InCooldownErr) Params() map[string]string      { return nil }

type MissingExpandedInstancesErr struct {
	ExpectedIDs []string
	ActualIDs   []string
	Site        Site
}

func (e *MissingExpandedInstancesErr) Error() string {
	return fmt.Sprintf("missing expanded instances at %s: expected=%v actual=%v", e.Site, e.ExpectedIDs, e.ActualIDs)
}
func (e *MissingExpandedInstancesErr) Code() string               { return "missing_expanded_instances" }
func (e *MissingExpandedInstancesErr) HTTPStatus() int             { return http.StatusInternalServerError }
func (e *MissingExpandedInstancesErr) IsNetworkConnectionError() bool { return false }
func (e *MissingExpandedInstancesErr) Params() map[string]string   { return nil }

type ConfigInstanceDataNotFoundErr struct {
	InstanceID string
	Site       Site
}

func (e *ConfigInstanceDataNotFoundErr) Error() string {
	return fmt.Sprintf("config instance data not found at %s: id=%s", e.Site, e.InstanceID)
}
func (e *ConfigInstanceDataNotFoundErr) Code() string               { return "config_instance_data_not_found" }
func (e *ConfigInstanceDataNotFoundErr) HTTPStatus() int             { return http.StatusNotFound }
func (e *ConfigInstanceDataNotFoundErr) IsNetworkConnectionError() bool { return false }
func (e *ConfigInstanceDataNotFoundErr) Params() map[string]string  {
	return map[string]string{"instance_id": e.InstanceID}
}

// ---- Auth-logical ----

type MissingDeviceIDErr struct {
	Site Site
}

func (e *MissingDeviceIDErr) Error() string { return fmt.Sprintf("missing device id at %s", e.Site) }
func (e *MissingDeviceIDErr) Code() string  { return "missing_device_id" }
func (e *MissingDeviceIDErr) HTTPStatus() int               { return http.StatusUnauthorized }
func (e *MissingDeviceIDErr) IsNetworkConnectionError() bool { return false }
func (e *MissingDeviceIDErr) Params() map[string]string      { return nil }

// ---- Actor ----

type ActorClosedErr struct {
	Actor string
	Site  Site
}

func (e *ActorClosedErr) Error() string {
	return fmt.Sprintf("actor closed at %s: actor=%s", e.Site, e.Actor)
}
func (e *ActorClosedErr) Code() string               { return "actor_closed" }
func (e *ActorClosedErr) HTTPStatus() int             { return http.StatusInternalServerError }
func (e *ActorClosedErr) IsNetworkConnectionError() bool { return false }
func (e *ActorClosedErr) Params() map[string]string  { return map[string]string{"actor": e.Actor} }

// ---- User-visible envelope ----

// Envelope is the JSON body returned by the local server on any handler
// error.
type Envelope struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	DebugMessage string            `json:"debug_message,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// ToEnvelope classifies err (best-effort) and builds its user-visible
// envelope plus the HTTP status to respond with.
func ToEnvelope(err error) (Envelope, int) {
	var c Classifier
	if asClassifier(err, &c) {
		return Envelope{
			Code:         c.Code(),
			Message:      c.Code(),
			DebugMessage: c.Error(),
			Params:       c.Params(),
		}, c.HTTPStatus()
	}
	return Envelope{
		Code:         "internal_error",
		Message:      "internal_error",
		DebugMessage: err.Error(),
	}, http.StatusInternalServerError
}

func asClassifier(err error, target *Classifier) bool {
	for err != nil {
		if c, ok := err.(Classifier); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsNetworkConnectionError reports whether err (or anything it wraps) is a
// classified network-connection error. Used by FSM error() and the worker
// loops to decide whether to count toward an error streak.
func IsNetworkConnectionError(err error) bool {
	var c Classifier
	if asClassifier(err, &c) {
		return c.IsNetworkConnectionError()
	}
	return false
}
