// Package timeattr stamps files with their modification time.
//
// The time is stored as a user attribute of type 't' holding the Unix time in
// seconds as 4 little-endian bytes. It is meant for an eviction policy that
// drops the oldest files when the partition fills up.
package timeattr
