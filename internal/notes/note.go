package notes

import (
	"encoding/json"
)

// Note is an immutable value. The zero Note has no id and an empty body.
type Note struct {
	id    uint64
	hasID bool
	body  string
}

// New returns a note without an id.
func New(body string) Note {
	return Note{body: body}
}

// WithID returns a copy of n carrying id.
func (n Note) WithID(id uint64) Note {
	n.id = id
	n.hasID = true
	return n
}

// ID reports the note's id and whether one has been assigned.
func (n Note) ID() (uint64, bool) {
	return n.id, n.hasID
}

func (n Note) Body() string {
	return n.body
}

type noteJSON struct {
	ID   *uint64 `json:"id"`
	Body string  `json:"body"`
}

// MarshalJSON writes {"id": null, ...} for notes without an id.
func (n Note) MarshalJSON() ([]byte, error) {
	out := noteJSON{Body: n.body}
	if n.hasID {
		id := n.id
		out.ID = &id
	}
	return json.Marshal(out)
}

func (n *Note) UnmarshalJSON(data []byte) error {
	var in noteJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*n = New(in.Body)
	if in.ID != nil {
		*n = n.WithID(*in.ID)
	}
	return nil
}
