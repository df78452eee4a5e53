package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// fillKeys fill百分比字段的候选键名，按优先级排列，首个命中生效
var fillKeys = []string{"fill_pct", "fill_percentage", "fill", "level", "bin_level"}

// binFullKeys 满溢布尔字段的候选键名
var binFullKeys = []string{"bin_full", "full", "is_full"}

// floodKeys 浸水布尔字段的候选键名
var floodKeys = []string{"flood", "flooded", "water_detected"}

// onlineKeys 在线布尔字段的候选键名
var onlineKeys = []string{"online", "active", "alive"}

var latKeys = []string{"lat", "latitude"}
var lonKeys = []string{"lon", "lng", "longitude"}

// idKeys 载荷内设备 ID 字段的候选键名（主题中无 ID 时的回退）
var idKeys = []string{"device_id", "id", "uid"}

// Message 规范化后的总线消息
type Message struct {
	DeviceID string
	Topic    string
	Category string // 设备 ID 之后的主题段（如 "fill"、"status/gps"）
	Retained bool
	Arrival  time.Time

	// 解析后的载荷；无法解析时为 {"raw": 原文}
	Payload map[string]any

	Online  *bool
	FillPct *int
	BinFull *bool
	Flooded *bool

	Lat *float64
	Lon *float64
	// 坐标经过交换纠正或被置空（有损推断，供下游观测）
	CoordAdjusted bool

	// 注册库元数据主题携带的键值（仅 registry 主题有值）
	Meta map[string]string
}

// Normalizer 遥测规范化器
// 纯函数式：除读取本地时钟打 Arrival 外无副作用
type Normalizer struct {
	topicPrefix    string
	registryPrefix string
	now            func() time.Time
	logger         *zap.Logger
}

// New 创建规范化器
// topicPrefix: 数据主题前缀（bins/{id}/...）
// registryTopic: 注册库元数据主题模式（registry/+/meta）
func New(topicPrefix, registryTopic string, logger *zap.Logger) *Normalizer {
	registryPrefix := registryTopic
	if i := strings.Index(registryTopic, "/"); i > 0 {
		registryPrefix = registryTopic[:i]
	}
	return &Normalizer{
		topicPrefix:    topicPrefix,
		registryPrefix: registryPrefix,
		now:            time.Now,
		logger:         logger,
	}
}

// WithClock 注入时钟（测试用）
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize 解析原始总线消息
// 返回 (nil, false) 表示消息无法归属到任何设备，应丢弃
// 载荷异常不是错误：无法解析的载荷包装为 {"raw": ...} 继续处理
func (n *Normalizer) Normalize(topic string, payload []byte, retained bool) (*Message, bool) {
	msg := &Message{
		Topic:    topic,
		Retained: retained,
		Arrival:  n.now(),
	}

	parts := strings.Split(topic, "/")

	// 注册库元数据主题: registry/{device_id}/meta
	if len(parts) >= 3 && parts[0] == n.registryPrefix && parts[len(parts)-1] == "meta" {
		msg.DeviceID = parts[1]
		msg.Payload = parsePayload(payload, "")
		msg.Meta = coerceMeta(msg.Payload)
		return msg, true
	}

	// 数据主题: {prefix}/{device_id}/{category}[/{subcategory}]
	if len(parts) >= 2 && parts[0] == n.topicPrefix {
		msg.DeviceID = parts[1]
		if len(parts) > 2 {
			msg.Category = strings.Join(parts[2:], "/")
		}
	}

	msg.Payload = parsePayload(payload, msg.Category)

	// 主题中没有 ID 时回退到载荷字段
	if msg.DeviceID == "" {
		for _, key := range idKeys {
			if v, ok := msg.Payload[key]; ok {
				if s := fmt.Sprintf("%v", v); s != "" {
					msg.DeviceID = s
					break
				}
			}
		}
	}
	if msg.DeviceID == "" {
		n.logger.Debug("Dropping message with no resolvable device id",
			zap.String("topic", topic),
		)
		return nil, false
	}

	n.extractBooleans(msg)
	n.extractFill(msg)
	n.extractCoordinates(msg)

	return msg, true
}

// parsePayload 解析载荷为结构化数据
// 非 JSON 载荷包装为 {"raw": 原文}；标量 JSON 在已知类别主题上
// 视为该类别字段的值（设备常把单值直接发布在子主题上）
func parsePayload(payload []byte, category string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil && obj != nil {
		return obj
	}

	var scalar any
	if err := json.Unmarshal(payload, &scalar); err == nil {
		switch scalar.(type) {
		case float64, bool, string:
			if key := scalarKeyFor(category); key != "" {
				return map[string]any{key: scalar}
			}
		}
	}

	return map[string]any{"raw": string(payload)}
}

// scalarKeyFor 标量载荷对应的字段名（仅限已知类别）
func scalarKeyFor(category string) string {
	switch category {
	case "fill", "level":
		return "fill_pct"
	case "full":
		return "bin_full"
	case "flood":
		return "flood"
	case "online", "status":
		return "online"
	}
	return ""
}

// extractBooleans 提取并规范化布尔字段
// 已识别的宽松布尔值（0/1、"true"/"false"）在载荷中就地改写为真布尔，
// 无法识别的值原样保留
func (n *Normalizer) extractBooleans(msg *Message) {
	msg.BinFull = extractBool(msg.Payload, binFullKeys)
	msg.Flooded = extractBool(msg.Payload, floodKeys)
	msg.Online = extractBool(msg.Payload, onlineKeys)
}

func extractBool(payload map[string]any, keys []string) *bool {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		if b, ok := coerceBool(v); ok {
			payload[key] = b
			return &b
		}
		// 不可识别的值原样透传，不视为命中
	}
	return nil
}

// extractFill 提取 fill 百分比
// 候选键按固定优先级匹配，首个可转换的值生效；钳位到 [0,100] 并四舍五入；
// 全部缺失时，若显式满溢标志为真则回退为 100
func (n *Normalizer) extractFill(msg *Message) {
	for _, key := range fillKeys {
		v, ok := msg.Payload[key]
		if !ok {
			continue
		}
		f, ok := coerceFloat(v)
		if !ok {
			continue
		}
		pct := int(math.Round(math.Max(0, math.Min(100, f))))
		msg.FillPct = &pct
		return
	}

	if msg.BinFull != nil && *msg.BinFull {
		full := 100
		msg.FillPct = &full
	}
}

// extractCoordinates 提取并校验地理坐标
// 纬度越界而交换后两者均合法时视为经纬写反，交换纠正；
// 仍然非法的坐标置空而不是传播垃圾值。有损推断，纠正与置空都打标记
func (n *Normalizer) extractCoordinates(msg *Message) {
	lat, latOK := extractFloat(msg.Payload, latKeys)
	lon, lonOK := extractFloat(msg.Payload, lonKeys)
	if !latOK && !lonOK {
		return
	}

	if latOK && lonOK && !validLat(lat) && validLat(lon) && validLon(lat) {
		lat, lon = lon, lat
		msg.CoordAdjusted = true
		n.logger.Debug("Corrected swapped coordinates",
			zap.String("device_id", msg.DeviceID),
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
		)
	}

	if latOK {
		if validLat(lat) {
			v := lat
			msg.Lat = &v
		} else {
			msg.CoordAdjusted = true
			n.logger.Debug("Discarded out-of-range latitude",
				zap.String("device_id", msg.DeviceID),
				zap.Float64("lat", lat),
			)
		}
	}
	if lonOK {
		if validLon(lon) {
			v := lon
			msg.Lon = &v
		} else {
			msg.CoordAdjusted = true
			n.logger.Debug("Discarded out-of-range longitude",
				zap.String("device_id", msg.DeviceID),
				zap.Float64("lon", lon),
			)
		}
	}
}

func extractFloat(payload map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if f, ok := coerceFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func validLat(v float64) bool { return v >= -90 && v <= 90 }
func validLon(v float64) bool { return v >= -180 && v <= 180 }

// coerceBool 宽松布尔转换：bool、0/1 数值、"true"/"false"/"1"/"0" 字符串
func coerceBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		if val == 0 {
			return false, true
		}
		if val == 1 {
			return true, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

// coerceFloat 宽松数值转换
func coerceFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// coerceMeta 元数据载荷转为字符串键值对
func coerceMeta(payload map[string]any) map[string]string {
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = fmt.Sprintf("%v", v)
	}
	return meta
}

// ParseDeviceTimestamp 按量级启发式解析设备时间戳
// >=1e12 视为 epoch 毫秒，>=1e9 视为 epoch 秒，
// 更小的值视为设备相对的 uptime 计数器，无法用于排序，返回 nil。
// 边界附近存在误判风险，跨设备排序一律使用本地 Arrival
func ParseDeviceTimestamp(v any) *time.Time {
	f, ok := coerceFloat(v)
	if !ok || f <= 0 {
		return nil
	}
	var t time.Time
	switch {
	case f >= 1e12:
		t = time.UnixMilli(int64(f))
	case f >= 1e9:
		t = time.Unix(int64(f), 0)
	default:
		return nil
	}
	return &t
}
