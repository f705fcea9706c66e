// Package wire encodes and decodes the primitive SSH data types defined in
// RFC 4251 section 5: uint32, string, name-list, mpint, and boolean.
package wire
