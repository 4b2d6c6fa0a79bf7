package tape

import "context"

// Store 负责管理磁带的定位、存在性判断与写入。磁盘布局遵循：
//
//	<tapesRoot>/<namespace>/<fingerprint>.json
//
// 默认命名空间 "" 直接映射到 tapesRoot。
type Store interface {
	// Root 返回磁带根目录的绝对路径。
	Root() string

	// Path 计算 (namespace, fingerprint) 对应的磁带文件路径，不访问文件系统。
	Path(namespace, fingerprint string) (string, error)

	// Resolve 仅检查磁带是否存在而不读取内容。不存在时返回 ErrNotFound。
	Resolve(ctx context.Context, namespace, fingerprint string) (Handle, error)

	// Persist 渲染并写入一卷新磁带。若同一位置已存在磁带则保留原文件并直接返回其 Handle。
	Persist(ctx context.Context, rec Recording, verbose bool) (Handle, error)

	// List 返回命名空间目录下的磁带文件名；目录不存在时返回空列表。
	List(namespace string) ([]string, error)
}
