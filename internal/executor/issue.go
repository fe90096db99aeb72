package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/issuegraph"
	"github.com/getmu/control-plane/internal/issuestore"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

// IssueExecutor maps issue commands onto the store and the pure graph
// functions. All operations are synchronous.
type IssueExecutor struct {
	Store *issuestore.Store
}

// Execute runs one issue command.
func (e *IssueExecutor) Execute(rec command.Record) Outcome {
	args := rec.Args
	switch rec.CommandKind {
	case "ready":
		return e.ready(args)
	case "get":
		return e.get(args)
	case "list":
		return e.list()
	case "validate":
		return e.validate(args)
	case "create":
		return e.create(args)
	case "update":
		return e.update(args)
	case "claim":
		return e.claim(args)
	case "close":
		return e.close(args)
	case "dep":
		return e.dep(args, true)
	case "undep":
		return e.dep(args, false)
	default:
		return failed("unsupported_command", fmt.Sprintf("unknown issue command %q", rec.CommandKind))
	}
}

// ready lists executable leaves: /mu ready [root_id] [tag ...].
// The first argument is a root id unless it contains ':', which marks a tag.
func (e *IssueExecutor) ready(args []string) Outcome {
	var opts issuegraph.ReadyOptions
	for i, arg := range args {
		if i == 0 && !strings.Contains(arg, ":") {
			opts.RootID = arg
			continue
		}
		opts.Tags = append(opts.Tags, arg)
	}

	leaves := issuegraph.ReadyLeaves(e.Store.Snapshot(), opts)
	ids := make([]string, len(leaves))
	for i, issue := range leaves {
		ids[i] = issue.ID
	}
	return completed(fmt.Sprintf("%d ready: %s", len(leaves), strings.Join(ids, ", ")), leaves)
}

func (e *IssueExecutor) get(args []string) Outcome {
	if len(args) != 1 {
		return failed("invalid_arguments", "usage: /mu get <issue_id>")
	}
	issue, ok := e.Store.Get(args[0])
	if !ok {
		return failed("not_found", fmt.Sprintf("issue %s not found", args[0]))
	}
	return completed(fmt.Sprintf("%s: %s [%s]", issue.ID, issue.Title, issue.Status), issue)
}

func (e *IssueExecutor) list() Outcome {
	issues := e.Store.Snapshot()
	return completed(fmt.Sprintf("%d issues", len(issues)), issues)
}

func (e *IssueExecutor) validate(args []string) Outcome {
	if len(args) != 1 {
		return failed("invalid_arguments", "usage: /mu validate <root_id>")
	}
	verdict := issuegraph.ValidateDAG(e.Store.Snapshot(), args[0])
	return completed(verdict.Reason, verdict)
}

// create parses /mu create [parent=<id>] [priority=<n>] [tag=<t>]... <title...>.
func (e *IssueExecutor) create(args []string) Outcome {
	var params issuestore.CreateParams
	var title []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "parent="):
			params.ParentID = strings.TrimPrefix(arg, "parent=")
		case strings.HasPrefix(arg, "priority="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "priority="))
			if err != nil {
				return failed("invalid_arguments", "priority must be an integer")
			}
			params.Priority = n
		case strings.HasPrefix(arg, "tag="):
			params.Tags = append(params.Tags, strings.TrimPrefix(arg, "tag="))
		default:
			title = append(title, arg)
		}
	}
	params.Title = strings.Join(title, " ")

	issue, err := e.Store.Create(params)
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("created %s", issue.ID), issue)
}

// update parses /mu update <id> [title=...] [body=...] [priority=<n>] [tag=<t>]...
func (e *IssueExecutor) update(args []string) Outcome {
	if len(args) < 2 {
		return failed("invalid_arguments", "usage: /mu update <issue_id> key=value...")
	}
	id := args[0]

	var params issuestore.UpdateParams
	for _, arg := range args[1:] {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return failed("invalid_arguments", fmt.Sprintf("expected key=value, got %q", arg))
		}
		switch key {
		case "title":
			v := value
			params.Title = &v
		case "body":
			v := value
			params.Body = &v
		case "priority":
			n, err := strconv.Atoi(value)
			if err != nil {
				return failed("invalid_arguments", "priority must be an integer")
			}
			params.Priority = &n
		case "tag":
			params.Tags = append(params.Tags, value)
		default:
			return failed("invalid_arguments", fmt.Sprintf("unknown field %q", key))
		}
	}

	issue, err := e.Store.Update(id, params)
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("updated %s", issue.ID), issue)
}

func (e *IssueExecutor) claim(args []string) Outcome {
	if len(args) != 1 {
		return failed("invalid_arguments", "usage: /mu claim <issue_id>")
	}
	issue, err := e.Store.Claim(args[0])
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("claimed %s", issue.ID), issue)
}

func (e *IssueExecutor) close(args []string) Outcome {
	if len(args) != 2 {
		return failed("invalid_arguments", "usage: /mu close <issue_id> <outcome>")
	}
	issue, err := e.Store.Close(args[0], issuegraph.Outcome(args[1]))
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("closed %s with %s", issue.ID, issue.Outcome), issue)
}

func (e *IssueExecutor) dep(args []string, add bool) Outcome {
	usage := "usage: /mu dep <issue_id> blocks|parent <target_id>"
	if !add {
		usage = "usage: /mu undep <issue_id> blocks|parent <target_id>"
	}
	if len(args) != 3 {
		return failed("invalid_arguments", usage)
	}
	d := issuegraph.Dep{Type: issuegraph.DepType(args[1]), Target: args[2]}

	var (
		issue issuegraph.Issue
		err   error
	)
	if add {
		issue, err = e.Store.AddDep(args[0], d)
	} else {
		issue, err = e.Store.RemoveDep(args[0], d)
	}
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}

	verb := "added"
	if !add {
		verb = "removed"
	}
	return completed(fmt.Sprintf("%s %s dep %s -> %s", verb, d.Type, issue.ID, d.Target), issue)
}
