package embedding

// Representation is one detected face as reported by a representer backend.
type Representation struct {
	Embedding  []float64    `json:"embedding"`
	FacialArea FaceLocation `json:"facial_area"`
}

// Response is the document both the gRPC and command backends return.
type Response struct {
	Faces     []Representation `json:"faces"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
}

// Resolve applies the provider contract to a backend response.
func (r *Response) Resolve() (*Face, error) {
	if r.Error != "" || r.ErrorCode != "" {
		switch code := Code(r.ErrorCode); code {
		case CodeNoFaceFound, CodeMultipleFaces:
			msg := r.Error
			if msg == "" {
				msg = string(code)
			}
			return nil, &ExtractionError{Code: code, Message: msg}
		default:
			return nil, Classify(r.Error)
		}
	}

	faces := make([]Face, 0, len(r.Faces))
	for _, rep := range r.Faces {
		faces = append(faces, Face{Embedding: rep.Embedding, Location: rep.FacialArea})
	}
	face, err := SelectSingle(faces)
	if err != nil {
		return nil, err
	}
	if len(face.Embedding) == 0 {
		return nil, &ExtractionError{Code: CodeProcessingError, Message: "image processing failed: empty embedding"}
	}
	return face, nil
}
