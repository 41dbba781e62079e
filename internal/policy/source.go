package policy

// Source supplies the policy document in force for the current request.
type Source interface {
	Current() *Document
}

type staticSource struct{ doc *Document }

func (s staticSource) Current() *Document { return s.doc }

// Static returns a Source that always yields doc, or the defaults when doc
// is nil.
func Static(doc *Document) Source {
	if doc == nil {
		doc = Default()
	}
	return staticSource{doc: doc}
}
