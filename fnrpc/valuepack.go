/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"encoding/json"

	"github.com/codeallergy/value"
	"github.com/pkg/errors"
)

// valuePackCodec is the compact binary format for value.Value payloads.
// No field names on the wire beyond what the value itself carries.
type valuePackCodec struct {
}

func (t valuePackCodec) Kind() Kind {
	return KindValuePack
}

func (t valuePackCodec) ContentType() string {
	return "application/x-valuepack"
}

func (t valuePackCodec) Marshal(v any) ([]byte, error) {
	if appErr, ok := v.(*AppError); ok {
		m, err := appErrorToValue(appErr)
		if err != nil {
			return nil, err
		}
		return value.Pack(m)
	}
	val, ok := v.(value.Value)
	if !ok {
		return nil, errors.Errorf("valuepack marshal: %T is not a value.Value", v)
	}
	data, err := value.Pack(val)
	if err != nil {
		return nil, errors.Errorf("valuepack pack, %v", err)
	}
	return data, nil
}

func (t valuePackCodec) Unmarshal(data []byte, v any) error {
	val, err := value.Unpack(data, true)
	if err != nil {
		return errors.Errorf("valuepack unpack, %v", err)
	}
	switch dst := v.(type) {
	case *AppError:
		m, ok := val.(value.Map)
		if !ok {
			return errors.New("valuepack unmarshal: expected map for application error")
		}
		return valueToAppError(m, dst)
	case *value.Value:
		*dst = val
		return nil
	default:
		return errors.Errorf("valuepack unmarshal: %T is not a *value.Value", v)
	}
}

func appErrorToValue(e *AppError) (value.Map, error) {
	m := value.EmptyMap().
		Put("code", value.Utf8(e.Code)).
		Put("message", value.Utf8(e.Message))
	if len(e.Detail) > 0 {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return nil, errors.Errorf("valuepack marshal detail, %v", err)
		}
		m = m.Put("detail", value.Utf8(string(detail)))
	}
	return m, nil
}

func valueToAppError(m value.Map, dst *AppError) error {
	if code := m.GetString("code"); code != nil {
		dst.Code = code.String()
	}
	if msg := m.GetString("message"); msg != nil {
		dst.Message = msg.String()
	}
	if detail := m.GetString("detail"); detail != nil {
		if err := json.Unmarshal([]byte(detail.String()), &dst.Detail); err != nil {
			return errors.Errorf("valuepack unmarshal detail, %v", err)
		}
	}
	return nil
}
