package pagecodec_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/ramigrate/internal/page"
	"github.com/bobuhiro11/ramigrate/internal/pagecodec"
	"github.com/bobuhiro11/ramigrate/internal/ram"
	"github.com/bobuhiro11/ramigrate/internal/stream"
)

func TestReadRecordEOS(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	s := stream.New(buf, 0)

	if err := pagecodec.WriteEOS(s); err != nil {
		t.Fatalf("WriteEOS: %v", err)
	}

	r := stream.New(buf, 0)

	var tracker pagecodec.ContTracker

	done, err := pagecodec.ReadRecord(r, nil, &tracker)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if !done {
		t.Fatal("ReadRecord did not report done for an EOS terminator")
	}
}

func TestReadRecordRawPage(t *testing.T) {
	t.Parallel()

	registry := ram.NewRegistry()
	dst := make([]byte, page.Size)

	if _, err := registry.Register("pc.ram", dst, page.Size); err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := new(bytes.Buffer)
	s := stream.New(buf, 0)

	var tracker pagecodec.ContTracker

	data := bytes.Repeat([]byte{0x42}, page.Size)
	data[0] = 0x01 // break the all-same-byte fast path, force FlagRawPage

	if _, err := pagecodec.EncodePage(s, nil, false, &tracker, "pc.ram", 0, 0, data, false); err != nil {
		t.Fatalf("EncodePage: %v", err)
	}

	r := stream.New(buf, 0)

	var rtracker pagecodec.ContTracker

	done, err := pagecodec.ReadRecord(r, registry.LookupByID, &rtracker)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if done {
		t.Fatal("ReadRecord reported EOS for a raw page record")
	}

	if !bytes.Equal(dst, data) {
		t.Fatal("decoded raw page does not match the sent content")
	}
}

func TestReadRecordContinuationWithNoPriorBlockFails(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	s := stream.New(buf, 0)

	// Hand-craft a continuation-flagged header word with no preceding record.
	s.PutBE64(pagecodec.FlagRawPage | pagecodec.FlagContBlock)

	r := stream.New(buf, 0)

	var tracker pagecodec.ContTracker

	if _, err := pagecodec.ReadRecord(r, nil, &tracker); err == nil {
		t.Fatal("ReadRecord accepted a continuation record with no prior block")
	}
}

func TestReadRecordRejectsUnknownTypeFlag(t *testing.T) {
	t.Parallel()

	registry := ram.NewRegistry()

	if _, err := registry.Register("pc.ram", make([]byte, page.Size), page.Size); err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := new(bytes.Buffer)
	s := stream.New(buf, 0)

	s.PutBE64(0x01) // not one of the defined type flags
	s.PutU8(byte(len("pc.ram")))
	s.PutBytes([]byte("pc.ram"))

	r := stream.New(buf, 0)

	var tracker pagecodec.ContTracker

	if _, err := pagecodec.ReadRecord(r, registry.LookupByID, &tracker); err == nil {
		t.Fatal("ReadRecord accepted an unknown type flag")
	}
}
