package llm

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// maxLineSize 单行流式响应的最大长度。
const maxLineSize = 1 << 20

// LineDecoder 解析流式响应中的一行。
// 返回 done=true 表示流正常结束；token 为空的行被跳过。
type LineDecoder func(line []byte) (token string, done bool, err error)

// lineStream 按行读取 HTTP 响应体的 Stream 实现，用于 SSE 与 NDJSON。
type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  LineDecoder

	mu        sync.Mutex
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewLineStream 包装响应体。Close 会关闭 body，从而中断阻塞中的 Recv。
func NewLineStream(body io.ReadCloser, decode LineDecoder) Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &lineStream{body: body, scanner: sc, decode: decode}
}

func (s *lineStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.done {
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return "", err
			}
			// 未收到结束标记就断开
			return "", io.ErrUnexpectedEOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		tok, done, err := s.decode(line)
		if err != nil {
			s.done = true
			return "", err
		}
		if done {
			s.done = true
			if tok != "" {
				return tok, nil
			}
			break
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", io.EOF
}

func (s *lineStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
