package parcall

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/pborman/uuid"
)

var origin int64

func init() {
	start, err := time.ParseInLocation("2006-01-02 15:04:05", "2023-06-01 00:00:00", time.Local)
	if err != nil {
		panic(err)
	}
	origin = start.UnixNano() / int64(time.Millisecond)
}

// NewChannelID 生成进程内唯一的 channel id（毫秒时间前缀 + 随机后缀，可排序）
func NewChannelID() (id string) {
	now := time.Now().UnixNano()/int64(time.Millisecond) - origin
	_uuid := uuid.NewRandom().Array()
	idPrefix := bytes.NewBuffer([]byte{})
	binary.Write(idPrefix, binary.BigEndian, now)
	var _id [27]byte
	hex.Encode(_id[:], idPrefix.Bytes()[3:])
	_id[10] = '-'
	hex.Encode(_id[11:], _uuid[8:])
	return string(_id[:])
}

// NewWorkerID 生成 worker 标识
func NewWorkerID() string {
	return "worker-" + uuid.NewRandom().String()
}
