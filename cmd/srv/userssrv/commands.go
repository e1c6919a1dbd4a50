package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/core-tools/hsu-users/pkg/app"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/store"
)

type runCommand struct{}

func (c *runCommand) Execute(args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()

	root, err := app.ComposeApp(env.cfg, env.appOptions())
	if err != nil {
		return err
	}
	return runTree(env, root)
}

type usersCommand struct {
	Run      usersRunCommand `command:"run" description:"run only the users service"`
	Database databaseCommand `command:"database" description:"database commands"`
}

type usersRunCommand struct{}

func (c *usersRunCommand) Execute(args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()

	users, err := app.ComposeUsers(env.cfg, env.appOptions())
	if err != nil {
		return err
	}
	return runTree(env, users)
}

func runTree(env *environment, root lifecycle.Unit) error {
	runner, err := lifecycle.NewRunner(root, app.RunnerOptions(env.cfg), env.logger)
	if err != nil {
		return err
	}

	env.logger.Infof("Starting, version: %s, runner: %s", version, runner.ID())
	if err := runner.Run(context.Background()); err != nil {
		env.logger.Errorf("Run failed: %v", err)
		return err
	}
	env.logger.Infof("Stopped")
	return nil
}

type databaseCommand struct {
	Migrations migrationsCommand `command:"migrations" description:"schema migrations"`
}

type migrationsCommand struct {
	List     migrationsListCommand     `command:"list" description:"list migrations and their state"`
	Apply    migrationsApplyCommand    `command:"apply" description:"apply pending migrations"`
	Rollback migrationsRollbackCommand `command:"rollback" description:"roll back migrations"`
	Create   migrationsCreateCommand   `command:"create" description:"write a new empty migration pair"`
}

func newMigrator() (*store.Migrator, *environment, error) {
	env, err := setup()
	if err != nil {
		return nil, nil, err
	}
	migrator, err := store.NewMigrator(env.cfg.Database.DSN, env.logger)
	if err != nil {
		env.close()
		return nil, nil, err
	}
	return migrator, env, nil
}

type migrationsListCommand struct{}

func (c *migrationsListCommand) Execute(args []string) error {
	migrator, env, err := newMigrator()
	if err != nil {
		return err
	}
	defer env.close()

	status, err := migrator.List(context.Background())
	if err != nil {
		return err
	}

	for _, migration := range status.Migrations {
		mark := " "
		if migration.Applied {
			mark = "x"
		}
		current := ""
		if migration.Current {
			current = " (current)"
		}
		fmt.Printf("[%s] %06d %s%s\n", mark, migration.Version, migration.Name, current)
	}
	if status.Dirty {
		fmt.Printf("database is dirty at version %d\n", status.Version)
	}
	return nil
}

type migrationsApplyCommand struct{}

func (c *migrationsApplyCommand) Execute(args []string) error {
	migrator, env, err := newMigrator()
	if err != nil {
		return err
	}
	defer env.close()

	return migrator.Up(context.Background())
}

type migrationsRollbackCommand struct {
	Args struct {
		Revision string `positional-arg-name:"revision" description:"-N steps back, 0 for everything, N to migrate to version N (default -1)"`
	} `positional-args:"yes"`
}

func (c *migrationsRollbackCommand) Execute(args []string) error {
	migrator, env, err := newMigrator()
	if err != nil {
		return err
	}
	defer env.close()

	return migrator.Rollback(context.Background(), c.Args.Revision)
}

type migrationsCreateCommand struct {
	Message string `short:"m" long:"message" required:"true" description:"migration description"`
	Dir     string `long:"dir" description:"target directory, defaults to the store's migrations for the configured driver"`
}

func (c *migrationsCreateCommand) Execute(args []string) error {
	migrator, env, err := newMigrator()
	if err != nil {
		return err
	}
	defer env.close()

	files, err := migrator.Create(c.Dir, c.Message)
	if err != nil {
		return err
	}
	for _, file := range files {
		fmt.Println(file)
	}
	return nil
}

type configCommand struct {
	Show     configShowCommand     `command:"show" description:"print the effective configuration"`
	Validate configValidateCommand `command:"validate" description:"validate the configuration"`
}

type configShowCommand struct{}

func (c *configShowCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

type configValidateCommand struct{}

func (c *configValidateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := app.ComposeApp(cfg, app.Options{}); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

type treeCommand struct {
	Users bool `long:"users" description:"show only the users subtree"`
}

func (c *treeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var root lifecycle.Unit
	if c.Users {
		root, err = app.ComposeUsers(cfg, app.Options{})
	} else {
		root, err = app.ComposeApp(cfg, app.Options{})
	}
	if err != nil {
		return err
	}

	outline, err := lifecycle.Describe(root)
	if err != nil {
		return err
	}
	plan, err := lifecycle.Plan(root)
	if err != nil {
		return err
	}

	fmt.Print(outline)
	fmt.Printf("\nstart order: %s\n", strings.Join(plan, " -> "))
	return nil
}
