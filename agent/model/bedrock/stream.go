package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/tools"
)

// bedrockStreamer adapts a Bedrock ConverseStream event stream to the
// model.Streamer interface.
type bedrockStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu      sync.RWMutex
	metadata    map[string]any
	toolNameMap map[string]string
}

func newBedrockStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	bs := &bedrockStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan model.Chunk, 32),
		toolNameMap: nameMap,
	}
	go bs.run()
	return bs
}

func (s *bedrockStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *bedrockStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *bedrockStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *bedrockStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if err := s.stream.Close(); err != nil {
			s.setErr(err)
		}
	}()

	proc := newChunkProcessor(s.emitChunk, s.recordUsage, s.toolNameMap)
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(fmt.Errorf("bedrock stream: %w", err))
				} else {
					s.setErr(s.ctx.Err())
				}
				return
			}
			if err := proc.Handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *bedrockStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *bedrockStreamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *bedrockStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *bedrockStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Bedrock streaming events into model.Chunks,
// buffering partial tool_use/reasoning content by content-block index until
// each block closes.
type chunkProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)

	toolBlocks      map[int32]*toolBuffer
	reasoningBlocks map[int32]*reasoningBuffer
	toolNameMap     map[string]string
}

func newChunkProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:            emit,
		recordUsage:     recordUsage,
		toolBlocks:      make(map[int32]*toolBuffer),
		reasoningBlocks: make(map[int32]*reasoningBuffer),
		toolNameMap:     nameMap,
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *toolBuffer) finalInput() string {
	return strings.Join(b.fragments, "")
}

type reasoningBuffer struct {
	text      strings.Builder
	redacted  []byte
	signature string
}

func (b *reasoningBuffer) finalize() *model.ThinkingPart {
	if b.text.Len() == 0 && len(b.redacted) == 0 {
		return nil
	}
	return &model.ThinkingPart{
		Text:      b.text.String(),
		Signature: b.signature,
		Redacted:  b.redacted,
	}
}

func decodeToolPayload(raw string) json.RawMessage {
	var probe any
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func (p *chunkProcessor) Handle(event any) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int32]*toolBuffer)
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := ev.Value.ContentBlockIndex
		if idx == nil {
			return errors.New("bedrock stream: content block start missing index")
		}
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{}
			if toolUse.Value.ToolUseId == nil || *toolUse.Value.ToolUseId == "" {
				return errors.New("bedrock stream: tool use block missing tool_use_id")
			}
			tb.id = *toolUse.Value.ToolUseId
			if toolUse.Value.Name == nil || *toolUse.Value.Name == "" {
				return fmt.Errorf("bedrock stream: tool use block %q missing name", tb.id)
			}
			canonical, ok := p.toolNameMap[*toolUse.Value.Name]
			if !ok {
				return fmt.Errorf("bedrock stream: tool name %q not in reverse map", *toolUse.Value.Name)
			}
			tb.name = canonical
			p.toolBlocks[*idx] = tb
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := ev.Value.ContentBlockIndex
		if idx == nil {
			return errors.New("bedrock stream: content block delta missing index")
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.Chunk{
				Type:    model.ChunkTypeText,
				Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: delta.Value}}},
			})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			rb := p.reasoningBlocks[*idx]
			if rb == nil {
				rb = &reasoningBuffer{}
				p.reasoningBlocks[*idx] = rb
			}
			switch v := delta.Value.(type) {
			case *brtypes.ReasoningContentBlockDeltaMemberText:
				if v.Value == "" {
					return nil
				}
				rb.text.WriteString(v.Value)
				return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: v.Value})
			case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
				rb.redacted = append(rb.redacted, v.Value...)
				return nil
			case *brtypes.ReasoningContentBlockDeltaMemberSignature:
				rb.signature = v.Value
				return nil
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.toolBlocks[*idx]
			if tb == nil || delta.Value.Input == nil {
				return nil
			}
			fragment := *delta.Value.Input
			tb.fragments = append(tb.fragments, fragment)
			return p.emit(model.Chunk{
				Type: model.ChunkTypeToolCallDelta,
				ToolCallDelta: &model.ToolCallDelta{
					Name:  tools.Ident(tb.name),
					ID:    tb.id,
					Delta: fragment,
				},
			})
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := ev.Value.ContentBlockIndex
		if idx == nil {
			return errors.New("bedrock stream: content block stop missing index")
		}
		if rb := p.reasoningBlocks[*idx]; rb != nil {
			delete(p.reasoningBlocks, *idx)
			if part := rb.finalize(); part != nil {
				part.Index = int(*idx)
				part.Final = true
				if err := p.emit(model.Chunk{Type: model.ChunkTypeThinking, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{*part}}}); err != nil {
					return err
				}
			}
		}
		if tb := p.toolBlocks[*idx]; tb != nil {
			payload := decodeToolPayload(tb.finalInput())
			delete(p.toolBlocks, *idx)
			return p.emit(model.Chunk{
				Type:     model.ChunkTypeToolCall,
				ToolCall: &model.ToolCall{Name: tools.Ident(tb.name), Payload: payload, ID: tb.id},
			})
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		chunk := model.Chunk{Type: model.ChunkTypeStop}
		if ev.Value.StopReason != "" {
			chunk.StopReason = string(ev.Value.StopReason)
		}
		p.toolBlocks = make(map[int32]*toolBuffer)
		p.reasoningBlocks = make(map[int32]*reasoningBuffer)
		return p.emit(chunk)

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		u := ev.Value.Usage
		usage := model.TokenUsage{
			InputTokens:      int(ptrValue(u.InputTokens)),
			OutputTokens:     int(ptrValue(u.OutputTokens)),
			TotalTokens:      int(ptrValue(u.TotalTokens)),
			CacheReadTokens:  int(ptrValue(u.CacheReadInputTokens)),
			CacheWriteTokens: int(ptrValue(u.CacheWriteInputTokens)),
		}
		if p.recordUsage != nil {
			p.recordUsage(usage)
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	}
	return nil
}
