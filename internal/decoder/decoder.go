package decoder

import (
	"encoding/json"
	"strings"
)

// FrameDecoder 从设备字符流中提取 JSON 帧
//
// 现场网关按行转发串口输出，但设备固件偶尔会把一帧拆到多行，
// 或在 JSON 前后混入 NMEA 等杂质文本。解码器持有一个跨行缓冲区：
// 整行即为完整 JSON 对象时直接输出；否则累积进缓冲区，
// 按"第一个 { 到其后第一个 }"截取候选帧并丢弃已消费的前缀。
//
// 已知限制：花括号只按首次出现位置配对，不支持嵌套对象
// （设备协议为扁平对象，gps 子对象由整行快路径覆盖）。
// 缓冲区无长度上限，设备持续不发 } 时会无界增长。
type FrameDecoder struct {
	buf strings.Builder
}

// NewFrameDecoder 创建帧解码器（每个设备会话一个）
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Push 送入一行原始文本，返回提取出的候选 JSON 帧（可能为空）
// 候选帧是否可解析由调用方判断；非法帧按解码错误丢弃，不影响后续帧
func (d *FrameDecoder) Push(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// 快路径：整行就是一个完整 JSON 对象
	if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") && json.Valid([]byte(line)) {
		return []string{line}
	}

	// 慢路径：累积进缓冲区后按花括号截取
	d.buf.WriteString(line)
	return d.drain()
}

// drain 从缓冲区中循环提取所有已闭合的候选帧
func (d *FrameDecoder) drain() []string {
	var chunks []string
	buffered := d.buf.String()

	for {
		start := strings.Index(buffered, "{")
		if start < 0 {
			// 无起始花括号，缓冲内容全部为杂质，丢弃
			buffered = ""
			break
		}
		end := strings.Index(buffered[start:], "}")
		if end < 0 {
			// 帧未闭合，保留等待后续行
			buffered = buffered[start:]
			break
		}
		end += start
		chunks = append(chunks, buffered[start:end+1])
		buffered = buffered[end+1:]
	}

	d.buf.Reset()
	d.buf.WriteString(buffered)
	return chunks
}

// Buffered 当前缓冲区字节数（用于监控无界增长风险）
func (d *FrameDecoder) Buffered() int {
	return d.buf.Len()
}
