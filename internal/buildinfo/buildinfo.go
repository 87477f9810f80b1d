// Package buildinfo carries version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/ZanzyTHEbar/consolidator-libsql-go/internal/buildinfo.Version=v0.3.0"
package buildinfo

var (
	Version   = "dev"
	Revision  = "unknown"
	BuildDate = "unknown"
)
