package preloader

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
)

// PostmortemLayout is the time layout of post-mortem file names.
const PostmortemLayout = "20060102_150405"

type state struct {
	Phase      string
	Config     Config
	Transforms []string
	Discovery  []string
	Plan       []string
	Modified   []string
	Committed  []string
}

// postmortem writes what the run knew when it failed to <root>/preloader_<time>.log.
func (r *run) postmortem(cause error) (err error) {
	if r.cfg.RootDir == "" {
		return nil
	}
	now := r.now()
	path := filepath.Join(r.cfg.RootDir, "preloader_"+now.Format(PostmortemLayout)+".log")
	var f *os.File
	if f, err = os.Create(path); err != nil {
		return
	}
	defer fn.IgnoreClose(f)
	s := state{
		Phase:      r.phase,
		Config:     r.cfg,
		Transforms: r.transforms(),
		Plan:       r.planned(),
		Modified:   fn.MapKeys(r.modified),
		Committed:  r.committed,
	}
	slices.Sort(s.Modified)
	for _, e := range r.report.Errors {
		s.Discovery = append(s.Discovery, e.Error())
	}
	if _, err = fmt.Fprintf(f, "preloader failed at %s\nphase: %s\nerror: %v\n\n", now.Format("2006-01-02 15:04:05"), r.phase, cause); err != nil {
		return
	}
	sp := spew.NewDefaultConfig()
	sp.MaxDepth = 4
	sp.DisablePointerAddresses = true
	sp.SortKeys = true
	sp.Fdump(f, s)
	r.logger.Info("post-mortem written", "path", path)
	return
}
