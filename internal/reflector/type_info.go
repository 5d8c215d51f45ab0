// Package reflector derives stable names for Go types. Event type names end
// up as NATS subject tokens, so they must never contain '.' or wildcards.
package reflector

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> TypeInfo

type TypeInfo struct {
	// Name is the bare type name, e.g. "NodeAdded".
	Name string
	// Path is the package-qualified name, used in diagnostics only.
	Path string
	Type reflect.Type
}

func TypeInfoOf(x any) TypeInfo { return TypeInfoForType(reflect.TypeOf(x)) }

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if ti, ok := cache.Load(t); ok {
		return ti.(TypeInfo)
	}

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	ti := TypeInfo{
		Name: base.Name(),
		Path: base.PkgPath() + "." + base.Name(),
		Type: base,
	}
	cache.Store(t, ti)
	return ti
}
