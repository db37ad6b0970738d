package filter

import (
	"fmt"
	"net"
	"strings"

	"github.com/grafana/regexp"

	"mixreplace/work/config"
	"mixreplace/work/logger"
)

// AccessFilter decides which clients may connect to the media server by
// matching their remote address. It implements mediaserver.Callback.
//
// An address is tested as "host:port" with IPv6 hosts in brackets, the form
// net.Conn.RemoteAddr().String() produces.
type AccessFilter struct {
	Allow *regexp.Regexp // nil allows every address
	Deny  *regexp.Regexp // nil denies nothing
}

// New compiles the allow and deny patterns. Empty patterns are ignored, and
// when both are empty New returns nil so no callback needs to be installed.
func New(allow, deny string) (*AccessFilter, error) {
	if allow == "" && deny == "" {
		return nil, nil
	}

	f := &AccessFilter{}
	if allow != "" {
		re, err := regexp.Compile(allow)
		if err != nil {
			return nil, fmt.Errorf("failed to compile allow pattern %q: %w", allow, err)
		}
		f.Allow = re
		logger.Debug("{filter/filter - New} compiled allow pattern: '%s'", allow)
	}
	if deny != "" {
		re, err := regexp.Compile(deny)
		if err != nil {
			return nil, fmt.Errorf("failed to compile deny pattern %q: %w", deny, err)
		}
		f.Deny = re
		logger.Debug("{filter/filter - New} compiled deny pattern: '%s'", deny)
	}
	return f, nil
}

// FromConfig builds the filter described by cfg.
func FromConfig(cfg config.AccessConfig) (*AccessFilter, error) {
	return New(cfg.Allow, cfg.Deny)
}

// Allowed reports whether a client at addr may connect. Include is checked
// first, then exclude.
func (f *AccessFilter) Allowed(addr string) bool {
	addr = strings.TrimSpace(addr)

	if f.Allow != nil && !f.Allow.MatchString(addr) {
		logger.Debug("{filter/filter - Allowed} %s does not match allow pattern", addr)
		return false
	}
	if f.Deny != nil && f.Deny.MatchString(addr) {
		logger.Debug("{filter/filter - Allowed} %s matches deny pattern", addr)
		return false
	}
	return true
}

// OnAccept admits conn only when its remote address passes the filter.
func (f *AccessFilter) OnAccept(conn net.Conn) bool {
	addr := conn.RemoteAddr().String()
	if !f.Allowed(addr) {
		logger.Info("{filter/filter - OnAccept} refusing client %s", addr)
		return false
	}
	return true
}

func (f *AccessFilter) OnClose(conn net.Conn) {}
