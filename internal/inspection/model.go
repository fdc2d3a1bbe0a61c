package inspection

// ModelPart is one segment of a multimodal user message. Exactly one of
// Text or ImageURL is set.
type ModelPart struct {
	Text     string
	ImageURL string
}

// ModelRequest is a single audit request sent to the vision model.
type ModelRequest struct {
	System string
	Parts  []ModelPart
}
