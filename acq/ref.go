package acq

// AcquisitionRef is the token an EventSource holds for its acquisition. It
// does not keep the acquisition alive; Resolve reports false once the
// acquisition is gone.
type AcquisitionRef struct {
	id      string
	resolve func() (Target, bool)
}

// NewAcquisitionRef builds a ref from a session id and a lookup function.
func NewAcquisitionRef(id string, resolve func() (Target, bool)) AcquisitionRef {
	return AcquisitionRef{id: id, resolve: resolve}
}

// ID returns the session id of the bound acquisition.
func (r AcquisitionRef) ID() string { return r.id }

// Valid reports whether the ref was produced by NewAcquisitionRef.
func (r AcquisitionRef) Valid() bool { return r.resolve != nil }

// Resolve looks up the acquisition.
func (r AcquisitionRef) Resolve() (Target, bool) {
	if r.resolve == nil {
		return nil, false
	}
	return r.resolve()
}
