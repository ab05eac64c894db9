/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"encoding/json"
	"net/url"

	"github.com/google/go-querystring/query"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
)

// urlQueryCodec carries arguments in a query string, the form used by
// GET-declared functions. Struct fields are addressed by `url` tags on
// both directions.
type urlQueryCodec struct {
}

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.SetAliasTag("url")
	d.IgnoreUnknownKeys(true)
	return d
}

func (t urlQueryCodec) Kind() Kind {
	return KindURLQuery
}

func (t urlQueryCodec) ContentType() string {
	return "application/x-www-form-urlencoded"
}

func (t urlQueryCodec) Marshal(v any) ([]byte, error) {
	if appErr, ok := v.(*AppError); ok {
		return appErrorToQuery(appErr)
	}
	vals, err := query.Values(v)
	if err != nil {
		return nil, errors.Errorf("urlquery marshal, %v", err)
	}
	return []byte(vals.Encode()), nil
}

func (t urlQueryCodec) Unmarshal(data []byte, v any) error {
	vals, err := url.ParseQuery(string(data))
	if err != nil {
		return errors.Errorf("urlquery parse, %v", err)
	}
	if appErr, ok := v.(*AppError); ok {
		return queryToAppError(vals, appErr)
	}
	if err := queryDecoder.Decode(v, vals); err != nil {
		return errors.Errorf("urlquery unmarshal, %v", err)
	}
	return nil
}

func appErrorToQuery(e *AppError) ([]byte, error) {
	vals := url.Values{}
	vals.Set("code", e.Code)
	vals.Set("message", e.Message)
	if len(e.Detail) > 0 {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return nil, errors.Errorf("urlquery marshal detail, %v", err)
		}
		vals.Set("detail", string(detail))
	}
	return []byte(vals.Encode()), nil
}

func queryToAppError(vals url.Values, dst *AppError) error {
	dst.Code = vals.Get("code")
	dst.Message = vals.Get("message")
	if detail := vals.Get("detail"); detail != "" {
		if err := json.Unmarshal([]byte(detail), &dst.Detail); err != nil {
			return errors.Errorf("urlquery unmarshal detail, %v", err)
		}
	}
	return nil
}
