package workflows

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/mandiant/harbinger-sub002/errors"
)

// execInput identifies the job whose command the activity should run.
// Everything else is read from the job record so a re-queued instance sees
// the same command the first attempt did.
type execInput struct {
	JobID string `json:"job_id"`
}

// execArgs is the optional kind-specific payload carried in Job.Arguments
type execArgs struct {
	// Args are extra argv entries appended after the parsed command
	Args []string `json:"args,omitempty"`
	// Dir is the working directory for the command
	Dir string `json:"dir,omitempty"`
	// OutputDir, when set, is scanned after the command exits; every
	// regular file found becomes a produced output file
	OutputDir string `json:"output_dir,omitempty"`
}

// execResult is the activity's return payload
type execResult struct {
	ExitCode int      `json:"exit_code"`
	Files    []string `json:"files,omitempty"`
}

// execCommand runs the job's command in the worker's environment and streams
// combined stdout/stderr back to the owning workflow as "output" signals,
// line by line. A nonzero exit code is a result, not an activity failure;
// the activity fails only when the command cannot be run at all.
func (d *Deps) execCommand(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req execInput
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid exec input")
	}

	job, err := d.Store.GetJob(req.JobID)
	if err != nil {
		return nil, err
	}

	argv, err := shellquote.Split(job.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command for job %s", job.ID)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("job %s has an empty command", job.ID)
	}

	var args execArgs
	if len(job.Arguments) > 0 {
		if err := json.Unmarshal(job.Arguments, &args); err != nil {
			return nil, errors.Wrapf(err, "invalid arguments for job %s", job.ID)
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], args.Args...)...)
	cmd.Dir = args.Dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.streamOutput(job.ID, pr)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		wg.Wait()
		return nil, errors.Wrapf(err, "failed to start command for job %s", job.ID)
	}

	waitErr := cmd.Wait()
	pw.Close()
	wg.Wait()

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return nil, errors.Wrapf(waitErr, "command failed for job %s", job.ID)
		}
	}

	result := execResult{ExitCode: cmd.ProcessState.ExitCode()}
	if args.OutputDir != "" {
		files, err := collectOutputFiles(args.OutputDir)
		if err != nil {
			return nil, err
		}
		result.Files = files
	}

	return marshalInput(result), nil
}

// streamOutput forwards command output lines to the job's workflow instance.
// A failed delivery means the instance finished or crashed mid-stream; the
// chunk is dropped, the final output state is whatever the store accumulated.
func (d *Deps) streamOutput(jobID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		payload := marshalInput(outputChunk{JobID: jobID, Chunk: scanner.Text() + "\n"})
		if err := d.Engine.Signal(jobID, SignalOutput, payload); err != nil {
			return
		}
	}
}

// collectOutputFiles lists regular files in the job's output directory in
// lexical order. A missing directory means the command produced nothing.
func collectOutputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read output directory %s", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}
