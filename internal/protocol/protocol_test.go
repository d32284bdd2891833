package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/resource"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   ErrorKind
		ioKind string
	}{
		{"not found", fmt.Errorf("get: %w", graph.ErrNotFound), KindNotFound, ""},
		{"exists", fmt.Errorf("add: %w", graph.ErrAlreadyExists), KindAlreadyExists, ""},
		{"transition", graph.ErrInvalidTransition, KindInvalidTransition, ""},
		{"inconsistent", graph.ErrInconsistentState, KindInconsistentState, ""},
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, KindIoFailure, IOPermissionDenied},
		{"missing file", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, KindIoFailure, IONotFound},
		{"other", errors.New("disk on fire"), KindIoFailure, IOOther},
		{"transport", Transportf("bad frame"), KindTransportFailure, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromError(tt.err)
			if e.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", e.Kind, tt.kind)
			}
			if e.IOKind != tt.ioKind {
				t.Errorf("IOKind = %q, want %q", e.IOKind, tt.ioKind)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := error(FromError(fmt.Errorf("wrapped: %w", graph.ErrNotFound)))
	if !errors.Is(err, graph.ErrNotFound) {
		t.Error("reply error should match graph.ErrNotFound")
	}
	if errors.Is(err, graph.ErrAlreadyExists) {
		t.Error("reply error should not match graph.ErrAlreadyExists")
	}
}

func TestDecodeRequest_Malformed(t *testing.T) {
	for _, frame := range []string{`{not json`, `{"id":"1"}`, ``} {
		_, err := DecodeRequest([]byte(frame))
		if !errors.Is(err, ErrTransport) {
			t.Errorf("DecodeRequest(%q) = %v, want transport failure", frame, err)
		}
	}
}

func TestRequestBind(t *testing.T) {
	id := resource.NewID()
	req, err := NewRequest("7", CmdGet, IDArgs{ID: id})
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}

	var args IDArgs
	if err := req.Bind(&args); err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	if args.ID != id {
		t.Errorf("Bind() id = %s, want %s", args.ID, id)
	}

	bad := Request{ID: "8", Cmd: CmdGet, Args: []byte(`{"id":42}`)}
	if err := bad.Bind(&args); !errors.Is(err, ErrTransport) {
		t.Errorf("Bind() with bad args = %v, want transport failure", err)
	}
}

func TestFrame(t *testing.T) {
	project := resource.NewID()
	u, err := NewUpdate(project, resource.NewID(), AssetRemoved, AssetRemovedData{Asset: resource.NewID()})
	if err != nil {
		t.Fatalf("NewUpdate() failed: %v", err)
	}
	if u.ID.Version() != 7 {
		t.Errorf("update id version = %d, want 7", u.ID.Version())
	}

	frame, err := EncodeFrame(u)
	if err != nil {
		t.Fatalf("EncodeFrame() failed: %v", err)
	}
	if !strings.HasPrefix(string(frame), "project:"+project.String()+"\n") {
		t.Errorf("frame does not start with topic line: %q", frame)
	}

	topic, decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() failed: %v", err)
	}
	if topic != ProjectTopic(project) || decoded.ID != u.ID || decoded.Kind != AssetRemoved {
		t.Errorf("decoded %s %+v", topic, decoded)
	}

	pid, ok := ParseProjectTopic(topic)
	if !ok || pid != project {
		t.Errorf("ParseProjectTopic(%q) = %s, %v", topic, pid, ok)
	}
}

func TestReplyDecode(t *testing.T) {
	r := ErrorReply("1", fmt.Errorf("x: %w", graph.ErrNotFound))
	if err := r.Decode(nil); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("Decode() = %v, want not found", err)
	}

	ok := OKReply("2", []string{"a"})
	var got []string
	if err := ok.Decode(&got); err != nil || len(got) != 1 {
		t.Errorf("Decode() = %v, %v", got, err)
	}
}
