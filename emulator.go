package main

import (
	"context"
	"fmt"
	"log/slog"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"github.com/apstndb/spanemuboost"
	"github.com/samber/lo"
	"github.com/testcontainers/testcontainers-go"
	tcspanner "github.com/testcontainers/testcontainers-go/modules/gcloud/spanner"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	emulatorProject  = "emulator-project"
	emulatorInstance = "emulator-instance"
	emulatorDatabase = "emulator-database"
)

var defaultEmulatorImage = spanemuboost.DefaultEmulatorImage

type noopLogger struct{}

// Printf implements testcontainers log.Logger.
func (noopLogger) Printf(string, ...any) {
}

func newEmulator(ctx context.Context, image string) (container *tcspanner.Container, teardown func(), err error) {
	container, err = tcspanner.Run(ctx, lo.CoalesceOrEmpty(image, defaultEmulatorImage),
		testcontainers.WithLogger(noopLogger{}))
	if err != nil {
		return nil, nil, err
	}
	return container, func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			slog.Error("failed to terminate Cloud Spanner Emulator", "err", err)
		}
	}, nil
}

func setUpEmptyInstanceAndDatabaseForEmulator(ctx context.Context, endpoint string) error {
	clientOpts := []option.ClientOption{
		option.WithEndpoint(endpoint),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}

	instanceCli, err := instance.NewInstanceAdminClient(ctx, clientOpts...)
	if err != nil {
		return err
	}
	defer instanceCli.Close()

	instancePath := fmt.Sprintf("projects/%v/instances/%v", emulatorProject, emulatorInstance)
	createInstanceOp, err := instanceCli.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     "projects/" + emulatorProject,
		InstanceId: emulatorInstance,
		Instance: &instancepb.Instance{
			Name:        instancePath,
			Config:      "emulator-config",
			DisplayName: emulatorInstance,
			NodeCount:   1,
		},
	})
	if err != nil {
		return err
	}
	if _, err = createInstanceOp.Wait(ctx); err != nil {
		return err
	}

	dbCli, err := database.NewDatabaseAdminClient(ctx, clientOpts...)
	if err != nil {
		return err
	}
	defer dbCli.Close()

	createDBOp, err := dbCli.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          instancePath,
		CreateStatement: fmt.Sprintf("CREATE DATABASE `%v`", emulatorDatabase),
	})
	if err != nil {
		return err
	}

	_, err = createDBOp.Wait(ctx)
	return err
}
