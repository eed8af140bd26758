package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
	e "nuclight.org/chat-archiver/pkg/entities"
)

type InvitesCommand struct {
	Add     InvitesAddCommand     `command:"add" description:"queue invite links for joining"`
	Import  InvitesImportCommand  `command:"import" description:"queue invite links from a yaml file"`
	Requeue InvitesRequeueCommand `command:"requeue" description:"move failed invites back to pending"`
	List    InvitesListCommand    `command:"list" description:"print invites"`
}

type InvitesAddCommand struct {
	Args struct {
		Links []string `positional-arg-name:"link" required:"1"`
	} `positional-args:"yes"`
}

func (c *InvitesAddCommand) Execute(_ []string) error {
	return addInvites(context.Background(), c.Args.Links)
}

type InvitesImportCommand struct {
	File string `long:"file" short:"f" required:"true" description:"yaml file with a list of invite links"`
}

func (c *InvitesImportCommand) Execute(_ []string) error {
	f, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("opening invites file: %w", err)
	}
	defer func() { _ = f.Close() }()

	links, err := parseInviteLinks(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", c.File, err)
	}

	return addInvites(context.Background(), links)
}

// parseInviteLinks reads a yaml sequence of links, either at the top level
// or under an "invites" key. Blank entries are skipped.
func parseInviteLinks(r io.Reader) ([]string, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	var raw []string
	if err := doc.Decode(&raw); err != nil {
		var wrapped struct {
			Invites []string `yaml:"invites"`
		}
		if err := doc.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("expected a list of links: %w", err)
		}
		raw = wrapped.Invites
	}

	links := make([]string, 0, len(raw))
	for _, link := range raw {
		if link = strings.TrimSpace(link); link != "" {
			links = append(links, link)
		}
	}

	return links, nil
}

func addInvites(ctx context.Context, links []string) error {
	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var added int
	for _, link := range links {
		inserted, err := store.AddInvite(ctx, link)
		if err != nil {
			return fmt.Errorf("adding invite %s: %w", link, err)
		}

		if inserted {
			added++
			log.Info("invite queued", "invite_link", link)
		} else {
			log.Info("invite already known", "invite_link", link)
		}
	}

	fmt.Printf("%d of %d invites queued\n", added, len(links))
	return nil
}

type InvitesRequeueCommand struct{}

func (c *InvitesRequeueCommand) Execute(_ []string) error {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := store.RequeueFailedInvites(ctx)
	if err != nil {
		return fmt.Errorf("requeueing failed invites: %w", err)
	}

	fmt.Printf("%d failed invites requeued\n", n)
	return nil
}

type InvitesListCommand struct {
	Status string `long:"status" short:"s" description:"only list invites with this status"`
}

func (c *InvitesListCommand) Execute(_ []string) error {
	status := e.InviteStatus(c.Status)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown invite status: %q", c.Status)
	}

	ctx := context.Background()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := store.ListInvites(ctx, status)
	if err != nil {
		return fmt.Errorf("listing invites: %w", err)
	}

	return printInvites(os.Stdout, list)
}

func printInvites(w io.Writer, list []e.Invite) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LINK\tSTATUS\tLAST ATTEMPT\tERROR")

	for _, inv := range list {
		lastAttempt, errorMessage := "-", "-"
		if inv.LastAttempt != nil {
			lastAttempt = inv.LastAttempt.Local().Format(time.DateTime)
		}
		if inv.ErrorMessage != nil {
			errorMessage = *inv.ErrorMessage
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", inv.Link, inv.Status, lastAttempt, errorMessage)
	}

	return tw.Flush()
}
