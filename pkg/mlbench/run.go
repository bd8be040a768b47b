package mlbench

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Nativu5/mlx5-probe/pkg/mldev"
)

// Report summarizes a benchmark run.
type Report struct {
	RunID    string        `json:"runId"`
	Test     string        `json:"test"`
	DeviceID int           `json:"deviceId"`
	Driver   string        `json:"driver"`
	Models   []ModelResult `json:"models"`
	Passed   bool          `json:"passed"`
	Elapsed  time.Duration `json:"elapsedNs"`
}

// Run executes the test named in opt on dev and tears everything down
// before returning. The report is returned even when a model failed; an
// error means the run itself could not be carried out.
func Run(opt *Options, dev mldev.Device) (rep *Report, e error) {
	t, err := Setup(opt, dev)
	if err != nil {
		return nil, err
	}
	rep = &Report{
		RunID:    uuid.NewString(),
		Test:     opt.Test,
		DeviceID: opt.DeviceID,
		Driver:   t.info.DriverName,
	}
	logger := log.WithField("run", rep.RunID)
	logger.Infof("starting %s on ml device %d (%s)", opt.Test, opt.DeviceID, rep.Driver)
	opt.Dump()

	defer func() {
		e = multierr.Append(e, t.Destroy())
	}()
	if err := t.DeviceSetup(); err != nil {
		return rep, err
	}
	if err := t.MemSetup(); err != nil {
		return rep, err
	}

	begin := time.Now()
	switch opt.Test {
	case TestInferenceOrdered:
		err = t.runOrdered(rep)
	case TestInferenceInterleave:
		err = t.runInterleave(rep)
	}
	rep.Elapsed = time.Since(begin)
	if err != nil {
		return rep, err
	}

	rep.Passed = len(rep.Models) > 0 && lo.EveryBy(rep.Models, func(r ModelResult) bool { return r.Passed })
	logger.Infof("%s %s in %s", opt.Test, passString(rep.Passed), rep.Elapsed)
	return rep, nil
}

// runOrdered runs the models one after another.
func (t *Test) runOrdered(rep *Report) error {
	for fid := range t.opt.Filelist {
		if err := t.ModelLoad(fid); err != nil {
			return err
		}
		if err := t.IOMemSetup(fid); err != nil {
			return err
		}
		if err := t.LaunchWorkers(fid, fid).Wait(); err != nil {
			return err
		}
		res, err := t.Result(fid)
		if err != nil {
			return err
		}
		rep.Models = append(rep.Models, res)
		if err := multierr.Append(t.IOMemDestroy(fid), t.ModelUnload(fid)); err != nil {
			return err
		}
	}
	return nil
}

// runInterleave loads every model and runs them together.
func (t *Test) runInterleave(rep *Report) error {
	last := len(t.opt.Filelist) - 1
	for fid := 0; fid <= last; fid++ {
		if err := t.ModelLoad(fid); err != nil {
			return err
		}
		if err := t.IOMemSetup(fid); err != nil {
			return err
		}
	}
	if err := t.LaunchWorkers(0, last).Wait(); err != nil {
		return err
	}
	for fid := 0; fid <= last; fid++ {
		res, err := t.Result(fid)
		if err != nil {
			return err
		}
		rep.Models = append(rep.Models, res)
	}
	return nil
}

func passString(ok bool) string {
	if ok {
		return "PASSED"
	}
	return "FAILED"
}

// PrintTable writes the report as a table.
func (rep *Report) PrintTable(w io.Writer) error {
	fmt.Fprintf(w, "Run %s: %s on device %d (%s)\n", rep.RunID, rep.Test, rep.DeviceID, rep.Driver)
	table := tablewriter.NewTable(w)
	table.Header("FID", "Model", "Used", "Errors", "Result")
	for _, m := range rep.Models {
		if err := table.Append(
			strconv.Itoa(m.Fid),
			m.Name,
			strconv.FormatUint(m.Used, 10),
			strconv.FormatUint(m.Errors, 10),
			passString(m.Passed),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Test %s in %s\n", passString(rep.Passed), rep.Elapsed)
	return nil
}

// PrintJSON writes the report as indented JSON.
func (rep *Report) PrintJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
