// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package worker hands asynchronous tool executions off to an external
// worker function instead of running them in-process.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Job carries everything a worker needs to execute a recorded tool call.
type Job struct {
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	CallUUID     string         `json:"call_uuid"`
	Settings     map[string]any `json:"settings"`
	PartitionKey string         `json:"partition_key"`
}

// Invoker dispatches a job to the worker tier. Implementations must not
// wait for the job to finish.
type Invoker interface {
	Invoke(ctx context.Context, job Job) error
}

// LambdaAPI is the subset of the Lambda client used by the invoker,
// enabling mock injection for testing.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvoker dispatches jobs as asynchronous Lambda invocations.
type LambdaInvoker struct {
	client       LambdaAPI
	functionName string
}

// Options configures the AWS session behind the invoker.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	FunctionName    string
}

// NewLambdaInvoker creates an invoker for the configured worker function.
func NewLambdaInvoker(ctx context.Context, opts Options) (*LambdaInvoker, error) {
	if opts.FunctionName == "" {
		return nil, fmt.Errorf("worker invoker requires a function name")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &LambdaInvoker{client: lambda.NewFromConfig(cfg), functionName: opts.FunctionName}, nil
}

// NewLambdaInvokerWithClient creates an invoker over an existing client.
// Used by tests.
func NewLambdaInvokerWithClient(client LambdaAPI, functionName string) *LambdaInvoker {
	return &LambdaInvoker{client: client, functionName: functionName}
}

// Invoke fires the job at the worker function and returns without waiting
// for execution. The worker reports progress through the call record.
func (l *LambdaInvoker) Invoke(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode worker job: %w", err)
	}

	_, err = l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(l.functionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to invoke worker for call %s: %w", job.CallUUID, err)
	}
	return nil
}
