/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// FormBoundary is fixed so that ContentType stays constant per codec and
// both sides frame identically.
const FormBoundary = "fnrpc-form-4f6e1b2c9a"

// maxFormMemory bounds in-memory buffering of decoded file parts.
const maxFormMemory = 32 << 20

// File is a raw file-like payload inside a multipart form.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Form is the payload domain of the multipart codec: structured fields
// alongside raw file parts.
type Form struct {
	Fields url.Values
	Files  map[string][]File
}

func NewForm() *Form {
	return &Form{
		Fields: url.Values{},
		Files:  make(map[string][]File),
	}
}

func (t *Form) AddFile(field string, f File) {
	t.Files[field] = append(t.Files[field], f)
}

type multipartCodec struct {
}

func (t multipartCodec) Kind() Kind {
	return KindMultipart
}

func (t multipartCodec) ContentType() string {
	return "multipart/form-data; boundary=" + FormBoundary
}

func (t multipartCodec) Marshal(v any) ([]byte, error) {
	if appErr, ok := v.(*AppError); ok {
		form, err := appErrorToForm(appErr)
		if err != nil {
			return nil, err
		}
		return t.marshalForm(form)
	}
	form, ok := v.(*Form)
	if !ok {
		return nil, errors.Errorf("multipart marshal: %T is not a *Form", v)
	}
	return t.marshalForm(form)
}

func (t multipartCodec) marshalForm(form *Form) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(FormBoundary); err != nil {
		return nil, errors.Errorf("multipart boundary, %v", err)
	}
	for field, vals := range form.Fields {
		for _, val := range vals {
			if err := w.WriteField(field, val); err != nil {
				return nil, errors.Errorf("multipart field %q, %v", field, err)
			}
		}
	}
	for field, files := range form.Files {
		for _, f := range files {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition",
				"form-data; name="+strconv.Quote(field)+"; filename="+strconv.Quote(f.Name))
			if f.ContentType != "" {
				h.Set("Content-Type", f.ContentType)
			}
			part, err := w.CreatePart(h)
			if err != nil {
				return nil, errors.Errorf("multipart file %q, %v", field, err)
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, errors.Errorf("multipart file %q, %v", field, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Errorf("multipart close, %v", err)
	}
	return buf.Bytes(), nil
}

func (t multipartCodec) Unmarshal(data []byte, v any) error {
	r := multipart.NewReader(bytes.NewReader(data), FormBoundary)
	parsed, err := r.ReadForm(maxFormMemory)
	if err != nil {
		return errors.Errorf("multipart parse, %v", err)
	}
	defer parsed.RemoveAll()

	form := NewForm()
	for field, vals := range parsed.Value {
		for _, val := range vals {
			form.Fields.Add(field, val)
		}
	}
	for field, headers := range parsed.File {
		for _, fh := range headers {
			data, err := readFilePart(fh)
			if err != nil {
				return err
			}
			form.AddFile(field, File{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}

	switch dst := v.(type) {
	case *AppError:
		return formToAppError(form, dst)
	case *Form:
		*dst = *form
		return nil
	default:
		return errors.Errorf("multipart unmarshal: %T is not a *Form", v)
	}
}

func readFilePart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Errorf("multipart open %q, %v", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Errorf("multipart read %q, %v", fh.Filename, err)
	}
	return data, nil
}

func appErrorToForm(e *AppError) (*Form, error) {
	form := NewForm()
	form.Fields.Set("code", e.Code)
	form.Fields.Set("message", e.Message)
	if len(e.Detail) > 0 {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return nil, errors.Errorf("multipart marshal detail, %v", err)
		}
		form.Fields.Set("detail", string(detail))
	}
	return form, nil
}

func formToAppError(form *Form, dst *AppError) error {
	dst.Code = form.Fields.Get("code")
	dst.Message = form.Fields.Get("message")
	if detail := form.Fields.Get("detail"); detail != "" {
		if err := json.Unmarshal([]byte(detail), &dst.Detail); err != nil {
			return errors.Errorf("multipart unmarshal detail, %v", err)
		}
	}
	return nil
}
