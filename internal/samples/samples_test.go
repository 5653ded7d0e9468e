package samples

import (
	"path/filepath"
	"testing"
	"time"

	"example.com/busmaster/internal/bus"
	"example.com/busmaster/internal/common"
)

func TestTrafficCounts(t *testing.T) {
	counts := map[uint32]int{}
	for _, f := range Traffic() {
		counts[f.Message.CanID]++
	}
	if counts[EngineDataID] != EngineDataFrames || counts[ExtStatusID] != ExtStatusFrames || counts[FdStatusID] != FdStatusFrames {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSampleProject(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFiles(dir, true); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	p := bus.NewProject(filepath.Join(dir, ProjectFileName), common.Discard)
	if err := p.ReadConfig(); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if p.Name != "Sample Bench" {
		t.Fatalf("project name = %q", p.Name)
	}

	src := p.GetSource("recorded")
	if src == nil {
		t.Fatal("source missing")
	}
	src.Enable(true)
	gen := src.Generator()
	if !gen.IsOperable() {
		t.Fatalf("generator not operable: %v", gen.LastError())
	}
	if gen.NofMessages() != DataFrames {
		t.Fatalf("messages = %d, want %d", gen.NofMessages(), DataFrames)
	}
	wantFirst := StartTime.Add(FirstRelativeMs * time.Millisecond).UnixNano()
	if gen.FirstTime() != wantFirst {
		t.Fatalf("FirstTime = %d, want %d", gen.FirstTime(), wantFirst)
	}

	db := p.GetDatabase("powertrain")
	if db == nil {
		t.Fatal("database missing")
	}
	db.Enable(true)
	if !db.IsOperable() || len(db.Groups()) != 3 {
		t.Fatalf("database operable=%v groups=%d", db.IsOperable(), len(db.Groups()))
	}
	if g := db.GroupByIdentity(ExtStatusID); g == nil || !g.Extended {
		t.Fatalf("ExtStatus group = %+v", g)
	}

	dest := p.GetDestination("logger")
	if dest == nil || dest.Filename != filepath.Join(dir, "out", "logged.mf4") || !dest.Compress {
		t.Fatalf("destination = %+v", dest)
	}
}
