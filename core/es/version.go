package es

import (
	"log/slog"
	"math"
	"strconv"
)

// Version is the position of an event within its aggregate stream, starting
// at 1. An aggregate at version 0 has no events.
type Version uint64

// AnyVersion disables the expected-version check on append.
const AnyVersion Version = math.MaxUint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

func (v Version) String() string { return strconv.FormatUint(uint64(v), 10) }
