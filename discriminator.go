package courier

import "fmt"

// Discriminator narrows the payloads a handler accepts beyond its declared
// type. Discriminators are evaluated against a View of the payload before
// any parameter is resolved, so a rejected message never reaches the
// resolver chain.
type Discriminator interface {
	Match(v View) bool
}

// DiscriminatorFunc is a function adapter for Discriminator.
type DiscriminatorFunc func(v View) bool

// Match implements Discriminator.
func (f DiscriminatorFunc) Match(v View) bool { return f(v) }

// HasFields returns a Discriminator that matches when all paths exist.
func HasFields(paths ...string) Discriminator {
	return hasFields{paths: paths}
}

type hasFields struct {
	paths []string
}

func (d hasFields) Match(v View) bool {
	for _, p := range d.paths {
		if !v.HasField(p) {
			return false
		}
	}
	return true
}

// FieldEquals returns a Discriminator that matches when the path holds a
// string equal to value.
func FieldEquals(path, value string) Discriminator {
	return fieldEquals{path: path, value: value}
}

type fieldEquals struct {
	path  string
	value string
}

func (d fieldEquals) Match(v View) bool {
	s, ok := v.GetString(d.path)
	return ok && s == d.value
}

// FieldIs returns a Discriminator that matches when the path holds a value
// whose string form equals value. Unlike FieldEquals it accepts numbers,
// booleans and named string types.
func FieldIs(path, value string) Discriminator {
	return DiscriminatorFunc(func(v View) bool {
		got, ok := v.Get(path)
		return ok && fmt.Sprint(got) == value
	})
}

// And returns a Discriminator that matches when all discriminators match.
func And(ds ...Discriminator) Discriminator {
	return and{ds: ds}
}

type and struct {
	ds []Discriminator
}

func (d and) Match(v View) bool {
	for _, disc := range d.ds {
		if !disc.Match(v) {
			return false
		}
	}
	return true
}

// Or returns a Discriminator that matches when any discriminator matches.
func Or(ds ...Discriminator) Discriminator {
	return or{ds: ds}
}

type or struct {
	ds []Discriminator
}

func (d or) Match(v View) bool {
	for _, disc := range d.ds {
		if disc.Match(v) {
			return true
		}
	}
	return false
}

// Not inverts d.
func Not(d Discriminator) Discriminator {
	return DiscriminatorFunc(func(v View) bool { return !d.Match(v) })
}
