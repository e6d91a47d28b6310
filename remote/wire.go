package remote

import (
	"google.golang.org/grpc/encoding"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/codec"
)

const serviceName = "sandboxfs.remote.Backend"

// maxIO caps the bytes moved by a single Read or Write call.
const maxIO = 1 << 20

// cborCodec carries messages as CBOR instead of protobuf. It is
// registered under the "cbor" content subtype.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return "cbor" }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// status is embedded in every reply. Errno zero means success.
type status struct {
	Errno sandboxfs.Errno `cbor:"errno,omitempty"`
	Msg   string          `cbor:"msg,omitempty"`
}

func (s *status) result() *status { return s }

type reply interface{ result() *status }

type empty struct{}

type statusReply struct {
	status
}

type capsReply struct {
	status
	Caps sandboxfs.Capabilities `cbor:"c"`
	Root sandboxfs.Handle       `cbor:"r"`
}

type handleReq struct {
	H sandboxfs.Handle `cbor:"h"`
}

type nameReq struct {
	Dir  sandboxfs.Handle `cbor:"d"`
	Name string           `cbor:"n"`
}

type handleReply struct {
	status
	H sandboxfs.Handle `cbor:"h"`
}

type attrReply struct {
	status
	Attr sandboxfs.Attr `cbor:"a"`
}

type setattrReq struct {
	H   sandboxfs.Handle  `cbor:"h"`
	Set sandboxfs.SetAttr `cbor:"s"`
}

type createReq struct {
	Dir    sandboxfs.Handle   `cbor:"d"`
	Name   string             `cbor:"n"`
	Spec   sandboxfs.NodeSpec `cbor:"s"`
	Target string             `cbor:"t,omitempty"`
}

type stringReply struct {
	status
	S string `cbor:"s"`
}

type linkReq struct {
	H    sandboxfs.Handle `cbor:"h"`
	Dir  sandboxfs.Handle `cbor:"d"`
	Name string           `cbor:"n"`
}

type renameReq struct {
	SrcDir  sandboxfs.Handle      `cbor:"sd"`
	SrcName string                `cbor:"sn"`
	DstDir  sandboxfs.Handle      `cbor:"dd"`
	DstName string                `cbor:"dn"`
	Flags   sandboxfs.RenameFlags `cbor:"f,omitempty"`
}

type readDirReq struct {
	Dir   sandboxfs.Handle `cbor:"d"`
	After string           `cbor:"a"`
	Max   int              `cbor:"m"`
}

type readDirReply struct {
	status
	Entries []sandboxfs.DirEntry `cbor:"e"`
}

type openReq struct {
	H     sandboxfs.Handle    `cbor:"h"`
	Flags sandboxfs.OpenFlags `cbor:"f"`
}

type readReq struct {
	H    sandboxfs.Handle `cbor:"h"`
	Off  int64            `cbor:"o"`
	Size int              `cbor:"n"`
}

type readReply struct {
	status
	Data []byte `cbor:"d"`
	EOF  bool   `cbor:"eof,omitempty"`
}

type writeReq struct {
	H    sandboxfs.Handle `cbor:"h"`
	Off  int64            `cbor:"o"`
	Data []byte           `cbor:"d"`
}

type countReply struct {
	status
	N int `cbor:"n"`
}

type truncateReq struct {
	H    sandboxfs.Handle `cbor:"h"`
	Size int64            `cbor:"s"`
}

type xattrReq struct {
	H     sandboxfs.Handle `cbor:"h"`
	Name  string           `cbor:"n"`
	Value []byte           `cbor:"v,omitempty"`
}

type bytesReply struct {
	status
	Data []byte `cbor:"d"`
}

type namesReply struct {
	status
	Names []string `cbor:"n"`
}
