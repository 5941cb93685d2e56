package registry

import (
	"strconv"
	"strings"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/tools/errs"
)

// Conf nacos 接入配置。
type Conf struct {
	Addr      string // host:port
	Namespace string
	Group     string
}

// Instance 一个已注册的服务实例。
type Instance struct {
	ServiceName string
	IP          string
	Port        uint64
	Metadata    map[string]string
}

// GatewayID 网关实例在元数据里自报身份，dispatch 端据此维护端点表。
func (i *Instance) GatewayID() string {
	return i.Metadata["gateway.id"]
}

// Registry 服务注册 + 实例订阅。网关上线注册自己，
// dispatch 订阅网关服务感知扩缩容。
type Registry struct {
	conf   Conf
	client naming_client.INamingClient

	mu         sync.Mutex
	registered []vo.RegisterInstanceParam
}

func New(conf Conf) (*Registry, error) {
	host, portStr, ok := strings.Cut(conf.Addr, ":")
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("nacos addr must be host:port", "addr", conf.Addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad nacos port", "addr", conf.Addr)
	}
	if conf.Group == "" {
		conf.Group = "DEFAULT_GROUP"
	}
	serverConfigs := []constant.ServerConfig{
		*constant.NewServerConfig(host, port),
	}
	clientConfig := *constant.NewClientConfig(
		constant.WithNamespaceId(conf.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
	)
	client, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create naming client")
	}
	return &Registry{conf: conf, client: client}, nil
}

// Register 注册一个临时实例，nacos 心跳保活。
func (r *Registry) Register(serviceName, ip string, port uint64, metadata map[string]string) error {
	param := vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        port,
		ServiceName: serviceName,
		GroupName:   r.conf.Group,
		ClusterName: "DEFAULT",
		Ephemeral:   true,
		Enable:      true,
		Healthy:     true,
		Weight:      1,
		Metadata:    metadata,
	}
	ok, err := r.client.RegisterInstance(param)
	if err != nil {
		return errs.WrapMsg(err, "register instance", "service", serviceName)
	}
	if !ok {
		return errs.New("register instance returned false: %s", serviceName)
	}
	r.mu.Lock()
	r.registered = append(r.registered, param)
	r.mu.Unlock()
	logger.Info("instance registered",
		zap.String("service", serviceName),
		zap.String("ip", ip),
		zap.Uint64("port", port))
	return nil
}

// Deregister 摘除本进程注册过的全部实例（停机时调）。
func (r *Registry) Deregister() {
	r.mu.Lock()
	regs := r.registered
	r.registered = nil
	r.mu.Unlock()
	for _, p := range regs {
		_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
			Ip:          p.Ip,
			Port:        p.Port,
			ServiceName: p.ServiceName,
			GroupName:   p.GroupName,
			Cluster:     p.ClusterName,
			Ephemeral:   true,
		})
		if err != nil {
			logger.Warn("deregister failed",
				zap.String("service", p.ServiceName),
				zap.Error(err))
		}
	}
}

// WatchFunc 实例列表变化回调（只含健康实例）。
type WatchFunc func(instances []*Instance)

// Subscribe 订阅服务的实例变化。
func (r *Registry) Subscribe(serviceName string, fn WatchFunc) error {
	return r.client.Subscribe(&vo.SubscribeParam{
		ServiceName: serviceName,
		GroupName:   r.conf.Group,
		SubscribeCallback: func(services []model.Instance, err error) {
			if err != nil {
				logger.Warn("subscribe callback error",
					zap.String("service", serviceName),
					zap.Error(err))
				return
			}
			out := make([]*Instance, 0, len(services))
			for _, s := range services {
				if !s.Healthy || !s.Enable {
					continue
				}
				out = append(out, &Instance{
					ServiceName: serviceName,
					IP:          s.Ip,
					Port:        s.Port,
					Metadata:    s.Metadata,
				})
			}
			fn(out)
		},
	})
}

// ListHealthy 当前健康实例快照。
func (r *Registry) ListHealthy(serviceName string) ([]*Instance, error) {
	insts, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: serviceName,
		GroupName:   r.conf.Group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "select instances", "service", serviceName)
	}
	out := make([]*Instance, 0, len(insts))
	for _, s := range insts {
		out = append(out, &Instance{
			ServiceName: serviceName,
			IP:          s.Ip,
			Port:        s.Port,
			Metadata:    s.Metadata,
		})
	}
	return out, nil
}
