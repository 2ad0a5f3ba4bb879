package fhir

// WalkStrings visits every string found at path below obj and stores fn's
// result in its place. Arrays are traversed at every level, as in FHIRPath
// navigation. When keep is non-nil it filters the object that directly holds
// the leaf element. Walking stops at the first error.
func WalkStrings(obj map[string]interface{}, path []string, keep func(map[string]interface{}) bool, fn func(string) (string, error)) error {
	if len(path) == 0 {
		return nil
	}
	key := path[0]
	v, ok := obj[key]
	if !ok {
		return nil
	}
	if len(path) > 1 {
		for _, child := range ObjectsOf(obj, key) {
			if err := WalkStrings(child, path[1:], keep, fn); err != nil {
				return err
			}
		}
		return nil
	}

	if keep != nil && !keep(obj) {
		return nil
	}
	switch t := v.(type) {
	case string:
		nv, err := fn(t)
		if err != nil {
			return err
		}
		obj[key] = nv
	case []interface{}:
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				continue
			}
			nv, err := fn(s)
			if err != nil {
				return err
			}
			t[i] = nv
		}
	}
	return nil
}

// CollectStrings returns every string at path below obj without modifying it.
func CollectStrings(obj map[string]interface{}, path []string, keep func(map[string]interface{}) bool) []string {
	var out []string
	_ = WalkStrings(obj, path, keep, func(s string) (string, error) {
		out = append(out, s)
		return s, nil
	})
	return out
}
