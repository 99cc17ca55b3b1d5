package attachment

import (
	"github.com/maxpert/livebind/value"
)

// Record field names as stored under <collection>/<storageId>.
const (
	fieldFolder         = "folder"
	fieldName           = "name"
	fieldType           = "type"
	fieldSize           = "size"
	fieldLocation       = "location"
	fieldUseCount       = "useCount"
	fieldUploadProgress = "uploadProgress"
	fieldUploadError    = "uploadError"
	fieldDateCreated    = "dateCreated"
	fieldDateRemoved    = "dateRemoved"
	fieldCreatedBy      = "createdBy"
	fieldDerived        = "derived"
)

// Record is the metadata kept for every uploaded blob. UseCount is the number
// of live document references; zero with DateRemoved set means soft-deleted.
type Record struct {
	StorageID      string   `json:"storageId"`
	Folder         string   `json:"folder"`
	Name           string   `json:"name,omitempty"`
	Type           string   `json:"type,omitempty"`
	Size           int64    `json:"size"`
	Location       string   `json:"location,omitempty"`
	UseCount       int64    `json:"useCount"`
	UploadProgress float64  `json:"uploadProgress,omitempty"`
	UploadError    string   `json:"uploadError,omitempty"`
	DateCreated    int64    `json:"dateCreated"`
	DateRemoved    int64    `json:"dateRemoved,omitempty"`
	CreatedBy      string   `json:"createdBy,omitempty"`
	Derived        []string `json:"derived,omitempty"`
}

// Removed reports whether the record has been soft-deleted.
func (r Record) Removed() bool {
	return r.DateRemoved > 0
}

// Ref returns the document reference for this record.
func (r Record) Ref() value.Ref {
	return value.Ref{StorageID: r.StorageID, Folder: r.Folder}
}

func (r Record) toNode() value.Node {
	n := value.Node{
		fieldFolder:      value.String(r.Folder),
		fieldSize:        value.Int(r.Size),
		fieldUseCount:    value.Int(r.UseCount),
		fieldDateCreated: value.Int(r.DateCreated),
	}
	optString(n, fieldName, r.Name)
	optString(n, fieldType, r.Type)
	optString(n, fieldLocation, r.Location)
	optString(n, fieldUploadError, r.UploadError)
	optString(n, fieldCreatedBy, r.CreatedBy)
	if r.UploadProgress > 0 {
		n[fieldUploadProgress] = value.Float(r.UploadProgress)
	}
	if r.DateRemoved > 0 {
		n[fieldDateRemoved] = value.Int(r.DateRemoved)
	}
	if len(r.Derived) > 0 {
		list := make(value.List, len(r.Derived))
		for i, d := range r.Derived {
			list[i] = value.String(d)
		}
		n[fieldDerived] = list
	}
	return n
}

func optString(n value.Node, k, v string) {
	if v != "" {
		n[k] = value.String(v)
	}
}

func recordFromValue(storageID string, v value.Value) (Record, bool) {
	n, ok := v.(value.Node)
	if !ok {
		return Record{}, false
	}
	r := Record{
		StorageID:   storageID,
		Folder:      str(n[fieldFolder]),
		Name:        str(n[fieldName]),
		Type:        str(n[fieldType]),
		Size:        num(n[fieldSize]),
		Location:    str(n[fieldLocation]),
		UseCount:    num(n[fieldUseCount]),
		UploadError: str(n[fieldUploadError]),
		DateCreated: num(n[fieldDateCreated]),
		DateRemoved: num(n[fieldDateRemoved]),
		CreatedBy:   str(n[fieldCreatedBy]),
	}
	switch p := n[fieldUploadProgress].(type) {
	case value.Float:
		r.UploadProgress = float64(p)
	case value.Int:
		r.UploadProgress = float64(p)
	}
	if list, ok := n[fieldDerived].(value.List); ok {
		for _, d := range list {
			if s := str(d); s != "" {
				r.Derived = append(r.Derived, s)
			}
		}
	}
	return r, true
}

func str(v value.Value) string {
	s, _ := v.(value.String)
	return string(s)
}

func num(v value.Value) int64 {
	switch t := v.(type) {
	case value.Int:
		return int64(t)
	case value.Float:
		return int64(t)
	}
	return 0
}
