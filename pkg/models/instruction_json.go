package models

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON 附带扩展类别以便反序列化
func (i Instruction) MarshalJSON() ([]byte, error) {
	type plain Instruction
	ext := i.Ext
	if ext == nil {
		ext = Generic{}
	}
	data, err := marshalExt(ext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		ExtKind string          `json:"ext_kind"`
		Ext     json.RawMessage `json:"ext"`
	}{plain(i), ext.Kind().String(), data})
}

// marshalExt uint256.Int的JSON方法是指针接收者，变体需按指针编码
func marshalExt(ext Extension) ([]byte, error) {
	switch e := ext.(type) {
	case StorageAccess:
		return json.Marshal(&e)
	case StorageWrite:
		return json.Marshal(&e)
	case Call:
		return json.Marshal(&e)
	case Create:
		return json.Marshal(&e)
	case Log:
		return json.Marshal(&e)
	default:
		return json.Marshal(e)
	}
}

// UnmarshalJSON 按ext_kind还原扩展变体
func (i *Instruction) UnmarshalJSON(data []byte) error {
	type plain Instruction
	var raw struct {
		plain
		ExtKind string          `json:"ext_kind"`
		Ext     json.RawMessage `json:"ext"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var ext Extension
	switch raw.ExtKind {
	case "", KindGeneric.String():
		ext = Generic{}
	case KindStorageAccess.String():
		ext = decodeExt[StorageAccess](raw.Ext)
	case KindStorageWrite.String():
		ext = decodeExt[StorageWrite](raw.Ext)
	case KindCall.String():
		ext = decodeExt[Call](raw.Ext)
	case KindCreate.String():
		ext = decodeExt[Create](raw.Ext)
	case KindLog.String():
		ext = decodeExt[Log](raw.Ext)
	default:
		return fmt.Errorf("未知的扩展类别: %s", raw.ExtKind)
	}
	if ext == nil {
		return fmt.Errorf("解析%s扩展失败", raw.ExtKind)
	}

	*i = Instruction(raw.plain)
	i.Ext = ext
	return nil
}

func decodeExt[T Extension](data json.RawMessage) Extension {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
	}
	return v
}
