/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// protoCodec is the compact binary format for proto.Message payloads.
// Application errors travel as a structpb.Struct so that no generated
// error message type is required.
type protoCodec struct {
}

func (t protoCodec) Kind() Kind {
	return KindProto
}

func (t protoCodec) ContentType() string {
	return "application/x-protobuf"
}

func (t protoCodec) Marshal(v any) ([]byte, error) {
	if appErr, ok := v.(*AppError); ok {
		st, err := appErrorToStruct(appErr)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(st)
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("proto marshal: %T does not implement proto.Message", v)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Errorf("proto marshal, %v", err)
	}
	return data, nil
}

func (t protoCodec) Unmarshal(data []byte, v any) error {
	if appErr, ok := v.(*AppError); ok {
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return errors.Errorf("proto unmarshal, %v", err)
		}
		structToAppError(&st, appErr)
		return nil
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("proto unmarshal: %T does not implement proto.Message", v)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return errors.Errorf("proto unmarshal, %v", err)
	}
	return nil
}

func appErrorToStruct(e *AppError) (*structpb.Struct, error) {
	fields := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Detail) > 0 {
		detail := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			detail[k] = v
		}
		fields["detail"] = detail
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Errorf("proto marshal error payload, %v", err)
	}
	return st, nil
}

func structToAppError(st *structpb.Struct, dst *AppError) {
	fields := st.GetFields()
	dst.Code = fields["code"].GetStringValue()
	dst.Message = fields["message"].GetStringValue()
	if detail := fields["detail"].GetStructValue(); detail != nil {
		dst.Detail = make(map[string]string, len(detail.GetFields()))
		for k, v := range detail.GetFields() {
			dst.Detail[k] = v.GetStringValue()
		}
	}
}
