/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// jsonCodec is the textual self-describing format and the default choice
// for registered functions.
type jsonCodec struct {
}

func (t jsonCodec) Kind() Kind {
	return KindJSON
}

func (t jsonCodec) ContentType() string {
	return "application/json"
}

func (t jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Errorf("json marshal, %v", err)
	}
	return data, nil
}

func (t jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Errorf("json unmarshal, %v", err)
	}
	return nil
}
