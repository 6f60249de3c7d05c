// Package errcode defines the error codes served by the registry API and
// the JSON envelope they travel in.
//
// Each code is registered once with Register, which assigns a process-unique
// ErrorCode and records an ErrorDescriptor (the wire value, the default
// message and the HTTP status). Codes are plain errors; WithMessage,
// WithDetail and WithArgs extend them into an Error carrying request
// specific information. Errors is the envelope:
//
//	{"errors":[{"code":"<CODE>","message":"<msg>","detail":<any>}]}
//
// Server failures are wrapped in InternalError and serialized without a
// code, carrying only a generic message and the request id.
package errcode
