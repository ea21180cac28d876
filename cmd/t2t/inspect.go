package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/params"
	"github.com/23skdu/longbow-t2t/internal/train"
)

type inspectEntry struct {
	Name  string  `json:"name"`
	Shape []int   `json:"shape"`
	Sum   float64 `json:"sum"`
}

type inspectReport struct {
	Path       string          `json:"path"`
	Parameters int             `json:"parameters"`
	Entries    []inspectEntry  `json:"entries"`
	Metadata   *train.Metadata `json:"metadata,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		modelPath string
		filter    string
		asJSON    bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the parameters stored in a model artifact",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model artifact path", Destination: &modelPath, Required: true},
			&cli.StringFlag{Name: "filter", Usage: "only show parameters whose name contains this", Destination: &filter},
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			rep, err := inspectArtifact(modelPath, filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.Root().Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return printReport(c.Root().Writer, rep)
		},
	}
}

func inspectArtifact(path, filter string) (*inspectReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()

	entries, err := params.ReadAll(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rep := &inspectReport{Path: path}
	for _, e := range entries {
		rep.Parameters += len(e.Data)
		if filter != "" && !strings.Contains(e.Name, filter) {
			continue
		}
		rep.Entries = append(rep.Entries, inspectEntry{Name: e.Name, Shape: e.Shape, Sum: e.Sum()})
	}

	md, err := train.ReadMetadata(path + ".json")
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		rep.Metadata = &md
	}
	return rep, nil
}

func printReport(w io.Writer, rep *inspectReport) error {
	fmt.Fprintf(w, "%s: %d parameters\n", rep.Path, rep.Parameters)
	if md := rep.Metadata; md != nil {
		fmt.Fprintf(w, "run %s, %s at step %d, epoch %d, %s\n", md.RunID, md.Label, md.Step, md.Epoch, md.Optimizer)
		if md.ValidPerplexity > 0 {
			fmt.Fprintf(w, "valid ppl %.4f\n", md.ValidPerplexity)
		}
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSHAPE\tSUM")
	for _, e := range rep.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%.6g\n", e.Name, device.ShapeString(e.Shape), e.Sum)
	}
	return tw.Flush()
}
