// Package reasoning 定义下游推理步骤的调用接口。推理本身（人格、
// 提示词、文本生成）是外部协作方，这里只约定输入输出的契约。
package reasoning

import "context"

// Action 记录推理过程中的一次中间动作。
type Action struct {
	Tool   string `json:"tool"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Request 是一次推理调用的输入。
type Request struct {
	ThreadID    string `json:"thread_id"`
	Instruction string `json:"instruction"`
}

// Result 是一次推理调用的输出。SentReply 表示推理过程中已经
// 通过发送工具向会话投递了回复；Actions 为空且 Output 非空通常
// 意味着执行链路出了问题。
type Result struct {
	Output    string   `json:"output"`
	Actions   []Action `json:"actions"`
	SentReply bool     `json:"sent_reply"`
}

// Client 是单个推理句柄。每条工作通道持有自己的句柄，互不共享。
type Client interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
	Close() error
}

// Factory 为工作通道构造独立的推理句柄。
type Factory func() (Client, error)
