// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Heerozh/HeTu-sub001/private/process"
	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/subscribe"
	"github.com/Heerozh/HeTu-sub001/system"
)

// shellSession runs REPL calls at owner level without a connection behind it.
type shellSession struct {
	identity uint64
	bound    bool
}

func (s *shellSession) Identity() (uint64, bool)      { return s.identity, s.bound }
func (s *shellSession) Permission() schema.Permission { return schema.PermOwner }
func (s *shellSession) Elevate(id uint64, _ schema.Permission) {
	s.identity, s.bound = id, true
}

// cmdShell is a diagnostic REPL: inspect component rows and call systems
// directly against the backend, bypassing the wire protocol.
func cmdShell(ctx context.Context) error {
	config, log, components, backend, err := boot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() { _ = backend.Close() }()

	systems, err := worldSystems(components)
	if err != nil {
		return process.ErrConfig.Wrap(err)
	}
	executor := system.NewExecutor(log.Named("system"), backend, systems, system.Config{
		MaxRetries: config.MaxRetries,
	})
	broker := subscribe.NewBroker(log.Named("subscribe"), backend, components)
	defer broker.Close()

	session := &shellSession{}
	fmt.Println("hetu shell; type `help` for commands, `exit` to leave")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			continue
		}
		if words[0] == "exit" || words[0] == "quit" {
			return nil
		}
		if err := shellDispatch(ctx, components, backend, executor, session, words); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func shellDispatch(ctx context.Context, components *schema.Registry, backend store.Backend,
	executor *system.Executor, session *shellSession, words []string) error {

	switch words[0] {
	case "help":
		fmt.Println("components")
		fmt.Println("select <component> <row-id>")
		fmt.Println("get <component> <field> <value>")
		fmt.Println("query <component> <field> <left> <right> [limit]")
		fmt.Println("call <system> [args...]")
		return nil

	case "components":
		for _, name := range components.Names() {
			component, _ := components.Get(name)
			fields := make([]string, len(component.Fields))
			for i, field := range component.Fields {
				fields[i] = field.Name + ":" + field.Kind.String()
			}
			fmt.Printf("%s(%s)\n", name, strings.Join(fields, ", "))
		}
		return nil

	case "select":
		if len(words) != 3 {
			return fmt.Errorf("usage: select <component> <row-id>")
		}
		rowID, err := strconv.ParseUint(words[2], 10, 64)
		if err != nil {
			return err
		}
		tx := store.NewTx(backend, components, schema.PermOwner)
		defer tx.Rollback()
		row, ok, err := tx.Select(ctx, words[1], rowID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(no row)")
			return nil
		}
		printRow(row)
		return nil

	case "get":
		if len(words) != 4 {
			return fmt.Errorf("usage: get <component> <field> <value>")
		}
		tx := store.NewTx(backend, components, schema.PermOwner)
		defer tx.Rollback()
		row, ok, err := tx.Get(ctx, words[1], words[2], parseLiteral(words[3]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(no row)")
			return nil
		}
		printRow(row)
		return nil

	case "query":
		if len(words) != 5 && len(words) != 6 {
			return fmt.Errorf("usage: query <component> <field> <left> <right> [limit]")
		}
		limit := 100
		if len(words) == 6 {
			parsed, err := strconv.Atoi(words[5])
			if err != nil {
				return err
			}
			limit = parsed
		}
		tx := store.NewTx(backend, components, schema.PermOwner)
		defer tx.Rollback()
		rows, err := tx.Query(ctx, words[1], words[2],
			parseLiteral(words[3]), parseLiteral(words[4]), limit, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			printRow(row)
		}
		fmt.Printf("(%d rows)\n", len(rows))
		return nil

	case "call":
		if len(words) < 2 {
			return fmt.Errorf("usage: call <system> [args...]")
		}
		args := make([]any, 0, len(words)-2)
		for _, word := range words[2:] {
			args = append(args, parseLiteral(word))
		}
		value, err := executor.Call(ctx, session, words[1], args)
		if err != nil {
			return err
		}
		fmt.Printf("=> %v\n", value)
		return nil
	}
	return fmt.Errorf("unknown command %q, try `help`", words[0])
}

func printRow(row store.Row) {
	names := make([]string, 0, len(row.Fields))
	for name := range row.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%v", name, row.Fields[name])
	}
	fmt.Printf("#%d v%d {%s}\n", row.ID, row.Version, strings.Join(parts, " "))
}

// parseLiteral guesses the scalar type of a shell word; the store coerces it
// against the field schema afterwards.
func parseLiteral(word string) any {
	if v, err := strconv.ParseInt(word, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(word, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(word); err == nil {
		return v
	}
	return strings.Trim(word, `"`)
}
