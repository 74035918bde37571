package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理全部缓存命名空间。磁盘布局遵循：
//
//	<StoragePath>/.namespaces.json             # 按创建顺序记录命名空间
//	<StoragePath>/<Namespace>/<sha256>.entry   # 一行 JSON 元数据 + 原始正文
//	<StoragePath>/.meta-<name>.json            # 调用方自定义的元数据记录
type Storage interface {
	// Open 返回指定命名空间，不存在时创建。
	Open(ctx context.Context, name string) (Namespace, error)

	// Has 判断命名空间是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序在所有命名空间中查找 key，全部未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*ReadResult, error)

	// Delete 删除整个命名空间，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回现存命名空间名称（创建顺序）。
	Keys(ctx context.Context) ([]string, error)

	// Entries 只读地列出命名空间内的 key，不会登记或创建命名空间；不存在时返回 ErrNotFound。
	Entries(ctx context.Context, name string) ([]Key, error)

	// ReadMeta 读取名为 name 的元数据记录，不存在时返回 ErrNotFound。
	ReadMeta(ctx context.Context, name string) ([]byte, error)

	// WriteMeta 整体覆盖写入元数据记录。
	WriteMeta(ctx context.Context, name string, data []byte) error
}

// Namespace 是一个独立的 request → response 桶。
type Namespace interface {
	Name() string

	// Match 返回 key 对应的条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*ReadResult, error)

	// Put 整体覆盖写入一条响应快照；body 会被完整读取。
	Put(ctx context.Context, snapshot Snapshot, body io.Reader) (*Entry, error)

	// Remove 删除单条记录，不存在时不报错。
	Remove(ctx context.Context, key Key) error

	// Entries 列出当前命名空间内的全部 key。
	Entries(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目：大写 method + 去掉片段的绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFor 从请求构造规范化的 Key。
func KeyFor(req *http.Request) Key {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return NewKey(method, req.URL)
}

// NewKey 构造 method + URL 形式的 Key，URL 的 fragment 会被剔除。
func NewKey(method string, target *url.URL) Key {
	normalized := ""
	if target != nil {
		clone := *target
		clone.Fragment = ""
		clone.RawFragment = ""
		clone.Scheme = strings.ToLower(clone.Scheme)
		clone.Host = stripDefaultPort(clone.Scheme, strings.ToLower(clone.Host))
		if clone.Path == "" && clone.Host != "" {
			clone.Path = "/"
		}
		normalized = clone.String()
	}
	return Key{Method: strings.ToUpper(method), URL: normalized}
}

func stripDefaultPort(scheme, host string) string {
	u := url.URL{Host: host}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		hostname := u.Hostname()
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]"
		}
		return hostname
	}
	return host
}

// String 输出 "GET https://host/path" 形式，作为磁盘文件名的哈希输入。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Snapshot 是一次完整响应的元数据部分，正文单独存放。
type Snapshot struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 描述一次写入结果。
type Entry struct {
	Namespace string   `json:"namespace"`
	Snapshot  Snapshot `json:"snapshot"`
	FilePath  string   `json:"file_path"`
	SizeBytes int64    `json:"size_bytes"`
}

// ReadResult 组合快照元数据与正文 Reader，调用方负责 Close。
type ReadResult struct {
	Namespace string
	Snapshot  Snapshot
	SizeBytes int64
	Body      io.ReadSeekCloser
}

// Response 把缓存条目还原为 *http.Response，正文所有权转交给返回值。
func (r *ReadResult) Response(req *http.Request) *http.Response {
	header := r.Snapshot.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := r.Snapshot.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          r.Body,
		ContentLength: r.SizeBytes,
		Request:       req,
	}
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidNamespace 表示命名空间名称无法安全映射为目录。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
)
