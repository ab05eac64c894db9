/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"github.com/pkg/errors"
)

// Kind selects one wire encoding for a registered function. A function
// declares exactly one kind; there is no per-request negotiation.
type Kind int

const (
	KindJSON Kind = iota
	KindValuePack
	KindProto
	KindURLQuery
	KindMultipart
)

func (t Kind) String() string {
	switch t {
	case KindJSON:
		return "json"
	case KindValuePack:
		return "valuepack"
	case KindProto:
		return "proto"
	case KindURLQuery:
		return "urlquery"
	case KindMultipart:
		return "multipart"
	default:
		return "unknown"
	}
}

// Codec is a symmetric encode/decode strategy. What one side marshals the
// other side must unmarshal byte-for-byte compatibly.
type Codec interface {
	Kind() Kind

	ContentType() string

	Marshal(v any) ([]byte, error)

	Unmarshal(data []byte, v any) error
}

var codecs = map[Kind]Codec{
	KindJSON:      jsonCodec{},
	KindValuePack: valuePackCodec{},
	KindProto:     protoCodec{},
	KindURLQuery:  urlQueryCodec{},
	KindMultipart: multipartCodec{},
}

// ByKind returns the codec registered for the kind. The table is fixed at
// process start and safe for concurrent reads.
func ByKind(kind Kind) (Codec, error) {
	c, ok := codecs[kind]
	if !ok {
		return nil, errors.Errorf("unknown codec kind %d", int(kind))
	}
	return c, nil
}
