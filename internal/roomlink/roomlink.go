// Package roomlink encodes the (username, room) pair of a shareable
// collaboration link as a compact query string: "?username:room".
package roomlink

import (
	"net/url"
	"strings"
)

// Params are the collaboration parameters carried by a link.
type Params struct {
	Username string
	Room     string
}

// Parse reads params from a raw query string, with or without the leading
// "?". The compact "username:room" form is tried first; otherwise the
// standard "username=..&room=.." parameters are used.
func Parse(rawQuery string) Params {
	q := strings.TrimPrefix(rawQuery, "?")
	if q == "" {
		return Params{}
	}

	if !strings.ContainsAny(q, "=&") {
		if username, room, ok := strings.Cut(q, ":"); ok {
			return Params{Username: unescape(username), Room: unescape(room)}
		}
	}

	values, err := url.ParseQuery(q)
	if err != nil {
		return Params{}
	}
	return Params{Username: values.Get("username"), Room: values.Get("room")}
}

// FromURL reads params from the query of a full link.
func FromURL(link string) (Params, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Params{}, err
	}
	return Parse(u.RawQuery), nil
}

// Encode returns the compact query string, or "" when there is no room.
func (p Params) Encode() string {
	if p.Room == "" {
		return ""
	}
	return "?" + escape(p.Username) + ":" + escape(p.Room)
}

// AutoConnect reports whether the link names a room to join.
func (p Params) AutoConnect() bool {
	return p.Room != ""
}

// escaper additionally escapes the separators Parse looks for.
var escaper = strings.NewReplacer(":", "%3A", "&", "%26", "=", "%3D")

func escape(s string) string {
	return escaper.Replace(url.PathEscape(s))
}

func unescape(s string) string {
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}
